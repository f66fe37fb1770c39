package session

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/harun/relay/pkg/protocol"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS events (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id    TEXT NOT NULL,
	submission_id TEXT NOT NULL,
	kind          TEXT NOT NULL,
	payload       BLOB NOT NULL,
	created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, seq);
CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
`

// JournalConfig tunes event persistence.
type JournalConfig struct {
	// Path is the sqlite database file. ":memory:" works for tests.
	Path string
	// Retention is how long events are kept. Zero disables pruning.
	Retention time.Duration
	// PruneSchedule is a cron expression for the pruning job. Defaults
	// to daily.
	PruneSchedule string
	// WriteBuffer sizes the async write queue. Defaults to 512.
	WriteBuffer int
}

type journalRecord struct {
	sessionID string
	event     protocol.Event
}

// Journal persists the event stream to sqlite. Writes are asynchronous
// so a slow disk never stalls the engine; a full queue drops the event
// with a warning rather than blocking.
type Journal struct {
	db     *sql.DB
	cfg    JournalConfig
	logger zerolog.Logger

	writes chan journalRecord
	done   chan struct{}
	wg     sync.WaitGroup
	cron   *cron.Cron
}

// OpenJournal opens (creating if needed) the journal database and starts
// the writer and pruning jobs.
func OpenJournal(cfg JournalConfig, logger zerolog.Logger) (*Journal, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("journal path is required")
	}
	if cfg.WriteBuffer <= 0 {
		cfg.WriteBuffer = 512
	}
	if cfg.PruneSchedule == "" {
		cfg.PruneSchedule = "@daily"
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}
	if _, err := db.Exec(journalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}

	j := &Journal{
		db:     db,
		cfg:    cfg,
		logger: logger,
		writes: make(chan journalRecord, cfg.WriteBuffer),
		done:   make(chan struct{}),
	}

	j.wg.Add(1)
	go j.writer()

	if cfg.Retention > 0 {
		j.cron = cron.New()
		if _, err := j.cron.AddFunc(cfg.PruneSchedule, j.pruneJob); err != nil {
			j.Close()
			return nil, fmt.Errorf("schedule journal pruning: %w", err)
		}
		j.cron.Start()
	}

	logger.Info().Str("path", cfg.Path).Msg("Event journal opened")
	return j, nil
}

// Record queues one event for persistence.
func (j *Journal) Record(sessionID string, event protocol.Event) {
	select {
	case j.writes <- journalRecord{sessionID: sessionID, event: event}:
	case <-j.done:
	default:
		j.logger.Warn().Str("session_id", sessionID).Msg("Journal queue full, event dropped")
	}
}

// Replay returns a session's persisted events in emission order.
func (j *Journal) Replay(ctx context.Context, sessionID string) ([]protocol.Event, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT payload FROM events WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var events []protocol.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		event, err := protocol.DecodeEvent(payload)
		if err != nil {
			return nil, fmt.Errorf("decode journaled event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// Prune deletes events older than the cutoff, returning how many rows
// went away.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	// created_at is populated by CURRENT_TIMESTAMP, which sqlite stores
	// as a UTC datetime string; the cutoff must match that format.
	res, err := j.db.ExecContext(ctx,
		`DELETE FROM events WHERE created_at < ?`, cutoff.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the pruning job, drains queued writes and closes the
// database.
func (j *Journal) Close() error {
	if j.cron != nil {
		j.cron.Stop()
	}
	close(j.done)
	j.wg.Wait()
	return j.db.Close()
}

func (j *Journal) writer() {
	defer j.wg.Done()
	for {
		select {
		case rec := <-j.writes:
			j.persist(rec)
		case <-j.done:
			// Drain what is already queued before exiting.
			for {
				select {
				case rec := <-j.writes:
					j.persist(rec)
				default:
					return
				}
			}
		}
	}
}

func (j *Journal) persist(rec journalRecord) {
	payload, err := protocol.EncodeEvent(rec.event)
	if err != nil {
		j.logger.Error().Err(err).Msg("Failed to encode event for journal")
		return
	}
	_, err = j.db.Exec(
		`INSERT INTO events (session_id, submission_id, kind, payload) VALUES (?, ?, ?, ?)`,
		rec.sessionID, rec.event.ID, rec.event.Msg.EventKind(), payload)
	if err != nil {
		j.logger.Error().Err(err).Msg("Failed to persist event")
	}
}

func (j *Journal) pruneJob() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	removed, err := j.Prune(ctx, time.Now().Add(-j.cfg.Retention))
	if err != nil {
		j.logger.Error().Err(err).Msg("Journal pruning failed")
		return
	}
	if removed > 0 {
		j.logger.Info().Int64("removed", removed).Msg("Journal pruned")
	}
}
