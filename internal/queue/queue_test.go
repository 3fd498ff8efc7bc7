package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func samples(n int) []float32 {
	return make([]float32, n)
}

func TestSequentialEnqueueDequeueFIFO(t *testing.T) {
	q := New(Options{}, newLogger())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		seq, err := q.Enqueue(ctx, samples(i+1), 16000, time.Now())
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		if seq != uint64(i+1) {
			t.Fatalf("expected sequence %d, got %d", i+1, seq)
		}
	}
	if q.PendingCount() != 5 {
		t.Fatalf("expected 5 pending, got %d", q.PendingCount())
	}
	for i := 0; i < 5; i++ {
		rec, err := q.Dequeue()
		if err != nil {
			t.Fatalf("dequeue %d: %v", i, err)
		}
		if rec.SequenceID != uint64(i+1) || len(rec.Samples) != i+1 {
			t.Fatalf("out of order dequeue: seq=%d len=%d", rec.SequenceID, len(rec.Samples))
		}
		if rec.ChunkTotal != 1 {
			t.Fatalf("expected unchunked recording, got total %d", rec.ChunkTotal)
		}
	}
	if _, err := q.Dequeue(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestConcurrentEnqueueIsGapFree(t *testing.T) {
	q := New(Options{}, newLogger())
	const n = 200
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seqs []uint64
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, err := q.Enqueue(context.Background(), samples(1), 16000, time.Now())
			if err != nil {
				t.Errorf("enqueue: %v", err)
				return
			}
			mu.Lock()
			seqs = append(seqs, seq)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	if len(seqs) != n {
		t.Fatalf("expected %d sequence ids, got %d", n, len(seqs))
	}
	for i, seq := range seqs {
		if seq != seqs[0]+uint64(i) {
			t.Fatalf("gap or duplicate at %d: %v", i, seqs[i-1:i+1])
		}
	}

	// FIFO order matches issue order.
	var last uint64
	for {
		rec, err := q.Dequeue()
		if err != nil {
			break
		}
		if rec.SequenceID <= last {
			t.Fatalf("dequeue order violated: %d after %d", rec.SequenceID, last)
		}
		last = rec.SequenceID
	}
}

func TestDropPolicyRejectsWhenFull(t *testing.T) {
	q := New(Options{MaxPending: 3, Policy: PolicyDrop}, newLogger())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(ctx, samples(1), 16000, time.Now()); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if _, err := q.Enqueue(ctx, samples(1), 16000, time.Now()); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if _, err := q.Dequeue(); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	seq, err := q.Enqueue(ctx, samples(1), 16000, time.Now())
	if err != nil {
		t.Fatalf("enqueue after dequeue: %v", err)
	}
	// the rejected call must not have consumed a sequence id
	if seq != 4 {
		t.Fatalf("expected sequence 4, got %d", seq)
	}
	if st := q.Stats(); st.Rejected != 1 || st.Accepted != 4 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestWaitPolicyBlocksUntilSlotFrees(t *testing.T) {
	q := New(Options{MaxPending: 1, Policy: PolicyWait, MaxWait: 2 * time.Second}, newLogger())
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, samples(1), 16000, time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	done := make(chan uint64, 1)
	go func() {
		seq, err := q.Enqueue(ctx, samples(1), 16000, time.Now())
		if err != nil {
			t.Errorf("blocked enqueue: %v", err)
		}
		done <- seq
	}()

	select {
	case <-done:
		t.Fatal("enqueue should block while full")
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := q.Dequeue(); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	select {
	case seq := <-done:
		if seq != 2 {
			t.Fatalf("expected sequence 2, got %d", seq)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked enqueue did not resume")
	}
}

func TestWaitPolicyIsBounded(t *testing.T) {
	q := New(Options{MaxPending: 1, Policy: PolicyWait, MaxWait: 20 * time.Millisecond}, newLogger())
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, samples(1), 16000, time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	start := time.Now()
	_, err := q.Enqueue(ctx, samples(1), 16000, time.Now())
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull after wait, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("wait exceeded bound")
	}
}

func TestCloseWakesWaiters(t *testing.T) {
	q := New(Options{MaxPending: 1, Policy: PolicyWait, MaxWait: 5 * time.Second}, newLogger())
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, samples(1), 16000, time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(ctx, samples(1), 16000, time.Now())
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrQueueClosed) {
			t.Fatalf("expected ErrQueueClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("close did not wake waiter")
	}

	if _, err := q.Enqueue(ctx, samples(1), 16000, time.Now()); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed after close, got %v", err)
	}
	if left := q.Drain(); len(left) != 1 {
		t.Fatalf("expected one pending recording after close, got %d", len(left))
	}
}

func TestReadySignalsAfterEnqueue(t *testing.T) {
	q := New(Options{}, newLogger())
	if _, err := q.Enqueue(context.Background(), samples(1), 16000, time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case <-q.Ready():
	default:
		t.Fatal("expected ready signal")
	}
}
