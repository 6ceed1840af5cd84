package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/stock-agents/pkg/logger"
	"github.com/selivandex/stock-agents/pkg/models"
)

// JobInfo is a snapshot of one in-flight job
type JobInfo struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	StartedAt time.Time `json:"started_at"`
}

// Pool caps in-process concurrency behind the submit API and keeps analyses
// exclusive per symbol: two jobs for the same symbol would race on cache
// writes and burn duplicate LLM spend. It is independent of the scheduler's
// own worker cap; both limits apply on the request path.
type Pool struct {
	sem chan struct{}

	mu       sync.Mutex
	running  map[string]JobInfo
	bySymbol map[string]string // symbol -> holding job id
	closed   bool

	wg sync.WaitGroup
}

// New creates a pool with the given concurrency cap
func New(maxConcurrent int) *Pool {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Pool{
		sem:      make(chan struct{}, maxConcurrent),
		running:  make(map[string]JobInfo),
		bySymbol: make(map[string]string),
	}
}

// acquire takes a slot and the symbol claim, or reports why it cannot
func (p *Pool) acquire(id, symbol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return models.NewError(models.ErrUnavailable, "pool is draining")
	}
	if symbol != "" {
		if holder, ok := p.bySymbol[symbol]; ok {
			return models.NewError(models.ErrRateLimit,
				fmt.Sprintf("analysis already running for %s (job %s)", symbol, holder))
		}
	}
	select {
	case p.sem <- struct{}{}:
	default:
		return models.NewError(models.ErrRateLimit, "too many concurrent analyses")
	}
	p.running[id] = JobInfo{ID: id, Symbol: symbol, StartedAt: time.Now()}
	if symbol != "" {
		p.bySymbol[symbol] = id
	}
	p.wg.Add(1)
	return nil
}

func (p *Pool) release(id, symbol string) {
	p.mu.Lock()
	delete(p.running, id)
	if symbol != "" && p.bySymbol[symbol] == id {
		delete(p.bySymbol, symbol)
	}
	p.mu.Unlock()
	<-p.sem
	p.wg.Done()
}

// Submit runs fn in the background if a slot is free. A full pool or a
// duplicate symbol fails fast so the API can answer with backpressure
// instead of queueing invisibly.
func (p *Pool) Submit(ctx context.Context, id, symbol string, fn func(context.Context) error) error {
	if err := p.acquire(id, symbol); err != nil {
		return err
	}

	go func() {
		defer p.release(id, symbol)
		if err := fn(ctx); err != nil {
			logger.Warn("pool job failed",
				zap.String("job", id),
				zap.String("symbol", symbol),
				zap.Error(err))
		}
	}()
	return nil
}

// Do runs fn inline under a pool slot. Used by the analysis executor so the
// API-side cap and symbol exclusivity apply to scheduler-driven work too.
func (p *Pool) Do(ctx context.Context, id, symbol string, fn func(context.Context) error) error {
	if err := p.acquire(id, symbol); err != nil {
		return err
	}
	defer p.release(id, symbol)
	return fn(ctx)
}

// Running returns snapshots of the in-flight jobs
func (p *Pool) Running() []JobInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]JobInfo, 0, len(p.running))
	for _, job := range p.running {
		out = append(out, job)
	}
	return out
}

// Capacity returns (in-flight, max)
func (p *Pool) Capacity() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running), cap(p.sem)
}

// Drain stops accepting new jobs and waits for the running ones up to the
// timeout. Jobs still running after the deadline are left to their contexts.
func (p *Pool) Drain(timeout time.Duration) {
	p.mu.Lock()
	p.closed = true
	remaining := len(p.running)
	p.mu.Unlock()

	logger.Info("🛑 Draining analysis pool", zap.Int("running", remaining))

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("✅ Analysis pool drained")
	case <-time.After(timeout):
		logger.Warn("⚠️ Pool drain timeout, jobs left to their contexts")
	}
}
