package pool

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/selivandex/stock-agents/pkg/models"
)

func TestSubmitRunsJob(t *testing.T) {
	p := New(2)
	done := make(chan struct{})

	err := p.Submit(context.Background(), "j1", "AAPL", func(ctx context.Context) error {
		close(done)
		return nil
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job never ran")
	}
}

func TestFullPoolFailsFast(t *testing.T) {
	p := New(1)
	block := make(chan struct{})

	if err := p.Submit(context.Background(), "j1", "AAPL", func(ctx context.Context) error {
		<-block
		return nil
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	err := p.Submit(context.Background(), "j2", "TSLA", func(ctx context.Context) error { return nil })
	if models.KindOf(err) != models.ErrRateLimit {
		t.Fatalf("expected rate_limit error on full pool, got %v", err)
	}

	close(block)
	p.Drain(time.Second)

	// Slot is free again after drain-free completion
	p2 := New(1)
	if err := p2.Submit(context.Background(), "j3", "AAPL", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("submit after release: %v", err)
	}
}

func TestSymbolExclusivity(t *testing.T) {
	p := New(4)
	block := make(chan struct{})

	if err := p.Submit(context.Background(), "j1", "AAPL", func(ctx context.Context) error {
		<-block
		return nil
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Same symbol is rejected even with free slots
	err := p.Submit(context.Background(), "j2", "AAPL", func(ctx context.Context) error { return nil })
	if models.KindOf(err) != models.ErrRateLimit {
		t.Fatalf("expected rejection for duplicate symbol, got %v", err)
	}

	// A different symbol goes through
	if err := p.Do(context.Background(), "j3", "TSLA", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("different symbol rejected: %v", err)
	}

	close(block)
	p.Drain(time.Second)

	// The symbol claim is released with the job
	p2 := New(4)
	if err := p2.Do(context.Background(), "j4", "AAPL", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if err := p2.Do(context.Background(), "j5", "AAPL", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("claim not released after completion: %v", err)
	}
}

func TestRunningTracksJobs(t *testing.T) {
	p := New(4)
	block := make(chan struct{})
	for i, id := range []string{"a", "b", "c"} {
		if err := p.Submit(context.Background(), id, fmt.Sprintf("SYM%d", i), func(ctx context.Context) error {
			<-block
			return nil
		}); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}

	if n, max := p.Capacity(); n != 3 || max != 4 {
		t.Errorf("capacity = %d/%d, want 3/4", n, max)
	}
	if len(p.Running()) != 3 {
		t.Errorf("running = %d, want 3", len(p.Running()))
	}

	close(block)
	p.Drain(time.Second)
	if len(p.Running()) != 0 {
		t.Errorf("running = %d after drain, want 0", len(p.Running()))
	}
}

func TestDrainRejectsNewJobs(t *testing.T) {
	p := New(2)
	p.Drain(time.Millisecond)

	err := p.Submit(context.Background(), "late", "AAPL", func(ctx context.Context) error { return nil })
	if models.KindOf(err) != models.ErrUnavailable {
		t.Fatalf("expected unavailable after drain, got %v", err)
	}
}

func TestConcurrencyCapHolds(t *testing.T) {
	p := New(3)
	var peak, current atomic.Int32
	block := make(chan struct{})

	submitted := 0
	for i := 0; i < 10; i++ {
		err := p.Submit(context.Background(), string(rune('a'+i)), fmt.Sprintf("SYM%d", i), func(ctx context.Context) error {
			now := current.Add(1)
			for {
				old := peak.Load()
				if now <= old || peak.CompareAndSwap(old, now) {
					break
				}
			}
			<-block
			current.Add(-1)
			return nil
		})
		if err == nil {
			submitted++
		}
	}

	if submitted != 3 {
		t.Fatalf("submitted = %d, want 3 (cap)", submitted)
	}
	close(block)
	p.Drain(time.Second)
	if peak.Load() > 3 {
		t.Errorf("peak concurrency = %d, exceeded cap", peak.Load())
	}
}
