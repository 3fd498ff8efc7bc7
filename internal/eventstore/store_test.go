package eventstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/recording"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func open(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "history.db")
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	es := open(t, config.EventStoreConfig{RetentionMode: "ephemeral"})
	if err := es.Deliver(context.Background(), recording.Result{SequenceID: 1, Text: "hi"}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	entries, err := es.Recent(context.Background(), 10)
	if err != nil || len(entries) != 0 {
		t.Fatalf("ephemeral store should keep nothing, got %d %v", len(entries), err)
	}
	if es.RunID() == "" {
		t.Fatal("run id missing")
	}
}

func TestDeliverAndQuery(t *testing.T) {
	es := open(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	results := []recording.Result{
		{SequenceID: 1, Text: "hello there", Status: recording.StatusOK, ProducedBy: "gpu0", ChunkTotal: 1, Source: "kitchen"},
		{SequenceID: 2, Text: "partial", Status: recording.StatusOK, Partial: true, Source: "kitchen"},
		{SequenceID: 2, Status: recording.StatusFailed, Err: errors.New("all devices failed"), ChunkTotal: 1, Source: "kitchen"},
		{SequenceID: 3, Text: "no session", Status: recording.StatusOK, ChunkTotal: 1},
	}
	for _, r := range results {
		if err := es.Deliver(ctx, r); err != nil {
			t.Fatalf("deliver: %v", err)
		}
	}

	entries, err := es.ListSessionTranscripts(ctx, "kitchen", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 transcripts, partials skipped, got %d", len(entries))
	}
	if entries[0].Text != "hello there" || entries[0].Device != "gpu0" || entries[0].RunID != es.RunID() {
		t.Fatalf("unexpected first entry %+v", entries[0])
	}
	if entries[1].Status != "failed" || entries[1].Error == "" {
		t.Fatalf("unexpected failed entry %+v", entries[1])
	}

	orphan, err := es.ListSessionTranscripts(ctx, es.RunID(), 10)
	if err != nil || len(orphan) != 1 {
		t.Fatalf("expected sessionless transcript filed under run id, got %d %v", len(orphan), err)
	}

	sessions, err := es.Sessions(ctx, 10)
	if err != nil || len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d %v", len(sessions), err)
	}

	recent, err := es.Recent(ctx, 1)
	if err != nil || len(recent) != 1 || recent[0].SequenceID != 3 {
		t.Fatalf("unexpected recent %+v %v", recent, err)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	es := open(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.Deliver(ctx, recording.Result{SequenceID: 1, Text: "old", Status: recording.StatusOK, Source: "old-session"}); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.Deliver(ctx, recording.Result{SequenceID: 2, Text: "new", Status: recording.StatusOK, Source: "new-session"}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	old, err := es.ListSessionTranscripts(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(old) != 0 {
		t.Fatalf("expected old session pruned")
	}
	kept, err := es.ListSessionTranscripts(ctx, "new-session", 10)
	if err != nil || len(kept) != 1 {
		t.Fatalf("expected new session kept, got %d %v", len(kept), err)
	}
}
