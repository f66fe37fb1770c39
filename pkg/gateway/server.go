// Package gateway bridges the session engine to websocket clients:
// inbound frames become submissions, the session's event stream fans out
// to every connected client.
package gateway

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/relay/pkg/protocol"
	"github.com/harun/relay/pkg/session"
)

// Config holds gateway configuration.
type Config struct {
	Addr string
	// SharedSecret authenticates clients via the Authorization header.
	// Empty disables auth, for local use only.
	SharedSecret string
	Session      *session.Session
	Logger       zerolog.Logger
}

// Server accepts websocket connections and pumps the session's events to
// them.
type Server struct {
	addr     string
	secret   string
	sess     *session.Session
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	server   *http.Server

	mu      sync.Mutex
	clients map[string]*Client

	done chan struct{}
}

// NewServer wires a gateway server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	if cfg.Session == nil {
		return nil, fmt.Errorf("session is required")
	}

	s := &Server{
		addr:   cfg.Addr,
		secret: cfg.SharedSecret,
		sess:   cfg.Session,
		logger: cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*Client),
		done:    make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	s.server = &http.Server{Addr: cfg.Addr, Handler: mux}
	return s, nil
}

// Start serves until the context is cancelled or the session's event
// stream ends. The broadcast pump runs regardless of connected clients
// so the session never blocks on the gateway.
func (s *Server) Start(ctx context.Context) error {
	go s.broadcastLoop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.addr).Msg("Gateway listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown closes every client and stops the HTTP server.
func (s *Server) Shutdown() error {
	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}

	s.mu.Lock()
	for _, c := range s.clients {
		c.Close()
	}
	s.clients = make(map[string]*Client)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.secret == "" {
		return true
	}
	token := r.Header.Get("Authorization")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte("Bearer "+s.secret)) == 1 ||
		subtle.ConstantTimeCompare([]byte(token), []byte(s.secret)) == 1
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	id, err := gonanoid.New()
	if err != nil {
		conn.Close()
		return
	}
	client := newClient(id, conn, s.logger)

	s.mu.Lock()
	s.clients[id] = client
	s.mu.Unlock()
	s.logger.Info().Str("client_id", id).Msg("Client connected")

	go client.writePump()
	s.readLoop(client)

	s.mu.Lock()
	delete(s.clients, id)
	s.mu.Unlock()
	client.Close()
	s.logger.Info().Str("client_id", id).Msg("Client disconnected")
}

// readLoop turns inbound frames into submissions until the connection
// drops.
func (s *Server) readLoop(c *Client) {
	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		sub, err := protocol.DecodeSubmission(frame)
		if err != nil {
			s.sendError(c, "", fmt.Sprintf("malformed submission: %v", err))
			continue
		}
		if sub.ID == "" {
			sub.ID = protocol.NewID()
		}
		// Shutdown of the whole engine is not a client privilege.
		if _, ok := sub.Op.(protocol.ShutdownOp); ok {
			s.sendError(c, sub.ID, "shutdown is not accepted over the gateway")
			continue
		}

		if err := s.sess.Submit(sub); err != nil {
			s.sendError(c, sub.ID, err.Error())
		}
	}
}

func (s *Server) sendError(c *Client, subID, message string) {
	frame, err := protocol.EncodeEvent(protocol.Event{
		ID:  subID,
		Msg: protocol.ErrorEvent{Message: message},
	})
	if err != nil {
		return
	}
	c.Send(frame)
}

// broadcastLoop fans the session's event stream out to every client.
// Clients whose buffers are full miss the frame; the journal is the
// durable record, not the socket.
func (s *Server) broadcastLoop() {
	for {
		select {
		case event, ok := <-s.sess.Events():
			if !ok {
				return
			}
			frame, err := protocol.EncodeEvent(event)
			if err != nil {
				s.logger.Error().Err(err).Msg("Failed to encode event for broadcast")
				continue
			}
			s.mu.Lock()
			for id, c := range s.clients {
				if !c.Send(frame) {
					s.logger.Warn().Str("client_id", id).Msg("Client buffer full, frame dropped")
				}
			}
			s.mu.Unlock()
		case <-s.done:
			return
		}
	}
}
