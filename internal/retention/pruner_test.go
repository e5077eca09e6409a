package retention

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loftwing/loftrelay/internal/storage"
)

type fakeDeleter struct {
	mu      sync.Mutex
	cutoffs []time.Time
	err     error
}

func (f *fakeDeleter) DeleteExchangesBefore(cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return 2, f.err
}

func (f *fakeDeleter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

func TestRunOnce_UsesRetentionWindow(t *testing.T) {
	fd := &fakeDeleter{}
	p := NewPruner(fd, 24*time.Hour, 0)
	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	n, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 2 {
		t.Errorf("removed = %d, want 2", n)
	}
	if want := fixed.Add(-24 * time.Hour); !fd.cutoffs[0].Equal(want) {
		t.Errorf("cutoff = %v, want %v", fd.cutoffs[0], want)
	}
}

func TestRunOnce_DisabledRetention(t *testing.T) {
	fd := &fakeDeleter{}
	p := NewPruner(fd, 0, 0)
	if _, err := p.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if fd.calls() != 0 {
		t.Errorf("store called %d times with retention disabled", fd.calls())
	}
}

func TestRunOnce_WrapsStoreError(t *testing.T) {
	boom := errors.New("disk full")
	p := NewPruner(&fakeDeleter{err: boom}, time.Hour, 0)
	if _, err := p.RunOnce(context.Background()); !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped %v", err, boom)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	fd := &fakeDeleter{}
	p := NewPruner(fd, time.Hour, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for fd.calls() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if fd.calls() < 2 {
		t.Errorf("calls = %d, want at least 2", fd.calls())
	}
}

func TestPruner_AgainstStore(t *testing.T) {
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	now := time.Now()
	for id, age := range map[string]time.Duration{"stale": 72 * time.Hour, "fresh": time.Minute} {
		if err := s.SaveExchange(storage.Exchange{ID: id, CreatedAt: now.Add(-age), Model: "glm-4", Status: 200, Outcome: storage.OutcomeOK}); err != nil {
			t.Fatal(err)
		}
	}

	n, err := NewPruner(s, 24*time.Hour, 0).RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("removed = %d, want 1", n)
	}
}
