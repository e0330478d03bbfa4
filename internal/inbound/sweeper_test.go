package inbound

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

type failingPurgeStore struct{ *MemoryStore }

func (failingPurgeStore) PurgeArchivedBefore(context.Context, time.Time) (int64, error) {
	return 0, ErrStoreUnavailable
}

func seedArchive(t *testing.T, s *MemoryStore, clk *fakeClock, ages ...time.Duration) {
	t.Helper()
	start := clk.Now()
	for _, age := range ages {
		clk.t = start.Add(-age)
		mustEnqueue(t, s, "MSH|^~\\&|x")
		if _, err := s.Archive(context.Background(), mustClaim(t, s), ArchiveOutcome{}); err != nil {
			t.Fatalf("archive: %v", err)
		}
	}
	clk.t = start
}

func TestSweeper_Sweep(t *testing.T) {
	s, clk := newTestStore()
	seedArchive(t, s, clk, 40*24*time.Hour, 31*24*time.Hour, 10*24*time.Hour, time.Hour)

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	sw := NewSweeper(s, zerolog.Nop(), m)
	sw.now = clk.Now

	n, err := sw.Sweep(context.Background(), 30*24*time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 entries swept, got %d", n)
	}
	if _, total, _ := s.ListArchives(context.Background(), ListParams{}); total != 2 {
		t.Errorf("expected 2 entries left, got %d", total)
	}
	if got := testutil.ToFloat64(m.ArchivePurged); got != 2 {
		t.Errorf("expected purged counter 2, got %v", got)
	}

	// Repeating the sweep is a no-op.
	if n, _ := sw.Sweep(context.Background(), 30*24*time.Hour); n != 0 {
		t.Errorf("expected idempotent sweep, got %d", n)
	}
}

func TestSweeper_DisabledRetention(t *testing.T) {
	s, clk := newTestStore()
	seedArchive(t, s, clk, 365*24*time.Hour)
	sw := NewSweeper(s, zerolog.Nop(), nil)

	for _, maxAge := range []time.Duration{0, -time.Hour} {
		n, err := sw.Sweep(context.Background(), maxAge)
		if err != nil || n != 0 {
			t.Errorf("Sweep(%v): expected 0, nil; got %d, %v", maxAge, n, err)
		}
	}
	if _, total, _ := s.ListArchives(context.Background(), ListParams{}); total != 1 {
		t.Errorf("expected archive untouched, got %d", total)
	}
}

func TestSweeper_LeavesErrorsAndQueue(t *testing.T) {
	s, clk := newTestStore()
	clk.Advance(-100 * 24 * time.Hour)
	mustEnqueue(t, s, "queued")
	mustEnqueue(t, s, "errored")
	mustClaim(t, s)
	s.RecordError(context.Background(), mustClaim(t, s), ErrorOutcome{Kind: KindDecode})
	clk.Advance(100 * 24 * time.Hour)

	sw := NewSweeper(s, zerolog.Nop(), nil)
	sw.now = clk.Now
	sw.Sweep(context.Background(), time.Hour)

	st, _ := s.Stats(context.Background())
	if st.Processing != 1 || st.Errored != 1 {
		t.Errorf("expected queue and error entries untouched, got %+v", st)
	}
}

func TestSweeper_StoreUnavailable(t *testing.T) {
	sw := NewSweeper(failingPurgeStore{NewMemoryStore()}, zerolog.Nop(), nil)
	if _, err := sw.Sweep(context.Background(), time.Hour); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestSweeper_Concurrent(t *testing.T) {
	s, clk := newTestStore()
	seedArchive(t, s, clk, 48*time.Hour, 48*time.Hour, 48*time.Hour, 48*time.Hour)
	sw := NewSweeper(s, zerolog.Nop(), nil)
	sw.now = clk.Now

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int64
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := sw.Sweep(context.Background(), 24*time.Hour)
			if err != nil {
				t.Errorf("sweep: %v", err)
			}
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()
	if total != 4 {
		t.Errorf("expected exactly 4 deletions across concurrent sweeps, got %d", total)
	}
}

func TestSweeper_Run(t *testing.T) {
	s, clk := newTestStore()
	seedArchive(t, s, clk, 48*time.Hour)
	sw := NewSweeper(s, zerolog.Nop(), nil)
	sw.now = clk.Now

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx, 10*time.Millisecond, 24*time.Hour)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		if _, total, _ := s.ListArchives(context.Background(), ListParams{}); total == 0 {
			break
		}
		select {
		case <-deadline:
			cancel()
			t.Fatal("timed out waiting for the sweep loop")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestSweeper_RunDisabledReturns(t *testing.T) {
	sw := NewSweeper(NewMemoryStore(), zerolog.Nop(), nil)
	done := make(chan struct{})
	go func() {
		sw.Run(context.Background(), time.Millisecond, 0)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Run to return when retention is disabled")
	}
}
