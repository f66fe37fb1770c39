package gateway

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/relay/pkg/agent"
	"github.com/harun/relay/pkg/protocol"
	"github.com/harun/relay/pkg/session"
)

type echoRunner struct{}

func (echoRunner) RunTask(ctx context.Context, host agent.Host, input []protocol.InputItem) error {
	host.Emit(protocol.TaskStartedEvent{})
	host.Emit(protocol.TaskCompleteEvent{LastMessage: "echo: " + input[0].Text})
	return nil
}

func (echoRunner) CompactContext(ctx context.Context, host agent.Host) error {
	host.Emit(protocol.ContextCompactedEvent{})
	return nil
}

func newTestGateway(t *testing.T, secret string) (*Server, string) {
	t.Helper()

	sess, err := session.New(session.Config{Runner: echoRunner{}, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })

	srv, err := NewServer(Config{
		Addr:         "127.0.0.1:0",
		SharedSecret: secret,
		Session:      sess,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)

	go srv.broadcastLoop()
	ts := httptest.NewServer(srv.server.Handler)
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = srv.Shutdown() })

	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, url, secret string) *websocket.Conn {
	t.Helper()
	headers := map[string][]string{}
	if secret != "" {
		headers["Authorization"] = []string{"Bearer " + secret}
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, headers)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) protocol.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	event, err := protocol.DecodeEvent(frame)
	require.NoError(t, err)
	return event
}

func TestServer_SubmitAndStream(t *testing.T) {
	_, url := newTestGateway(t, "")
	conn := dial(t, url, "")

	frame, err := protocol.EncodeSubmission(protocol.Submission{
		ID: "sub-1",
		Op: protocol.UserInputOp{Items: []protocol.InputItem{{Text: "hello"}}},
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	started := readEvent(t, conn)
	assert.Equal(t, "task_started", started.Msg.EventKind())
	assert.Equal(t, "sub-1", started.ID)

	complete := readEvent(t, conn)
	assert.Equal(t, "task_complete", complete.Msg.EventKind())
	assert.Equal(t, "echo: hello", complete.Msg.(protocol.TaskCompleteEvent).LastMessage)
}

func TestServer_RejectsBadSecret(t *testing.T) {
	_, url := newTestGateway(t, "s3cret")

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestServer_AcceptsGoodSecret(t *testing.T) {
	_, url := newTestGateway(t, "s3cret")
	conn := dial(t, url, "s3cret")

	frame, err := protocol.EncodeSubmission(protocol.Submission{
		ID: "sub-1",
		Op: protocol.UserInputOp{Items: []protocol.InputItem{{Text: "hi"}}},
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
	assert.Equal(t, "task_started", readEvent(t, conn).Msg.EventKind())
}

func TestServer_MalformedFrameReturnsError(t *testing.T) {
	_, url := newTestGateway(t, "")
	conn := dial(t, url, "")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	event := readEvent(t, conn)
	require.Equal(t, "error", event.Msg.EventKind())
	assert.Contains(t, event.Msg.(protocol.ErrorEvent).Message, "malformed submission")
}

func TestServer_ShutdownOpRejected(t *testing.T) {
	_, url := newTestGateway(t, "")
	conn := dial(t, url, "")

	frame, err := protocol.EncodeSubmission(protocol.Submission{
		ID: "sub-1",
		Op: protocol.ShutdownOp{},
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	event := readEvent(t, conn)
	require.Equal(t, "error", event.Msg.EventKind())
	assert.Contains(t, event.Msg.(protocol.ErrorEvent).Message, "not accepted")
}
