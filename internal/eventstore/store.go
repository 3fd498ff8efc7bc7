// Package eventstore keeps a SQLite history of released transcripts. Audio is
// never stored.
package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/recording"
	_ "modernc.org/sqlite"
)

// Entry is one stored transcript.
type Entry struct {
	ID         int64
	SessionID  string
	RunID      string
	SequenceID uint64
	Text       string
	Status     string
	Error      string
	Device     string
	Confidence float64
	Chunks     int
	CapturedAt time.Time
	CreatedAt  time.Time
}

// Session summarises one capture session.
type Session struct {
	SessionID   string
	RunID       string
	CreatedAt   time.Time
	Transcripts int
}

// Store wraps the SQLite transcript history. Each daemon run gets a run id;
// results without a session id are filed under it.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
	runID string
}

// Open initializes the store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "history"))
	s := &Store{cfg: cfg, log: log, clock: time.Now, runID: uuid.NewString()}
	if cfg.RetentionMode == "ephemeral" {
		return s, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s.db = db

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("history vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("history prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS transcripts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    sequence_id INTEGER NOT NULL,
    text TEXT NOT NULL,
    status TEXT NOT NULL,
    error TEXT,
    device TEXT,
    confidence REAL,
    chunks INTEGER,
    captured_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_transcripts_session_created ON transcripts(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RunID identifies this daemon run.
func (s *Store) RunID() string {
	return s.runID
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Deliver stores a final transcript. Partial results are skipped.
func (s *Store) Deliver(ctx context.Context, r recording.Result) error {
	if s.disabled() || r.Partial {
		return nil
	}
	session := r.Source
	if session == "" {
		session = s.runID
	}
	now := s.clock().UTC()
	entry := Entry{
		SessionID:  session,
		SequenceID: r.SequenceID,
		Text:       r.Text,
		Status:     string(r.Status),
		Device:     r.ProducedBy,
		Confidence: r.Confidence,
		Chunks:     r.ChunkTotal,
		CapturedAt: r.CapturedAt.UTC(),
		CreatedAt:  now,
	}
	if r.Err != nil {
		entry.Error = r.Err.Error()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions(session_id, run_id, created_at) VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		session, s.runID, now)
	if err != nil {
		return fmt.Errorf("append session: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO transcripts(session_id, sequence_id, text, status, error, device, confidence, chunks, captured_at, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.SessionID, entry.SequenceID, entry.Text, entry.Status, entry.Error, entry.Device,
		entry.Confidence, entry.Chunks, entry.CapturedAt, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	err = tx.Commit()
	return err
}

// ReportError satisfies the pipeline's error sink. Errors are not persisted,
// only logged at debug.
func (s *Store) ReportError(_ context.Context, ev protocol.ErrorEvent) error {
	s.log.Debug("error not stored", slog.String("kind", string(ev.Kind)))
	return nil
}

// ListSessionTranscripts retrieves up to limit transcripts for a session in
// sequence order.
func (s *Store) ListSessionTranscripts(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	return s.query(ctx,
		`SELECT t.id, t.session_id, s.run_id, t.sequence_id, t.text, t.status, t.error, t.device, t.confidence, t.chunks, t.captured_at, t.created_at
		 FROM transcripts t JOIN sessions s ON s.session_id = t.session_id
		 WHERE t.session_id = ? ORDER BY t.sequence_id ASC LIMIT ?`, sessionID, limit)
}

// Recent returns the newest transcripts across sessions, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	return s.query(ctx,
		`SELECT t.id, t.session_id, s.run_id, t.sequence_id, t.text, t.status, t.error, t.device, t.confidence, t.chunks, t.captured_at, t.created_at
		 FROM transcripts t JOIN sessions s ON s.session_id = t.session_id
		 ORDER BY t.created_at DESC, t.id DESC LIMIT ?`, limit)
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit := args[len(args)-1].(int); limit <= 0 {
		args[len(args)-1] = 100
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var errText, device sql.NullString
		var captured, created sql.NullTime
		if err := rows.Scan(&e.ID, &e.SessionID, &e.RunID, &e.SequenceID, &e.Text, &e.Status, &errText, &device,
			&e.Confidence, &e.Chunks, &captured, &created); err != nil {
			return nil, err
		}
		e.Error = errText.String
		e.Device = device.String
		e.CapturedAt = captured.Time
		e.CreatedAt = created.Time
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Sessions lists sessions newest first with their transcript counts.
func (s *Store) Sessions(ctx context.Context, limit int) ([]Session, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.session_id, s.run_id, s.created_at, COUNT(t.id)
		 FROM sessions s LEFT JOIN transcripts t ON t.session_id = s.session_id
		 GROUP BY s.session_id ORDER BY s.created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		var sess Session
		var created sql.NullTime
		if err := rows.Scan(&sess.SessionID, &sess.RunID, &created, &sess.Transcripts); err != nil {
			return nil, err
		}
		sess.CreatedAt = created.Time
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		if _, err = tx.ExecContext(ctx, `DELETE FROM transcripts WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// RunPruner prunes every interval until ctx is done.
func (s *Store) RunPruner(ctx context.Context, interval time.Duration) {
	if s.disabled() || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Prune(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn("history prune failed", slog.String("error", err.Error()))
			}
		}
	}
}
