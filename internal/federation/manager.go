package federation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/selivandex/stock-agents/internal/adapters/sources"
	"github.com/selivandex/stock-agents/pkg/logger"
	"github.com/selivandex/stock-agents/pkg/models"
)

const errorBudget = 5

// SourceHealth is the per-process view of one source's state
type SourceHealth struct {
	Tag               models.SourceTag `json:"tag"`
	Status            models.SourceStatus `json:"status"`
	ConsecutiveErrors int              `json:"consecutive_errors"`
	LastError         string           `json:"last_error,omitempty"`
	LastCheckedAt     time.Time        `json:"last_checked_at"`
	LastSuccessAt     time.Time        `json:"last_success_at,omitempty"`
}

type sourceState struct {
	source  sources.Source
	limiter *rate.Limiter

	mu                sync.Mutex
	status            models.SourceStatus
	consecutiveErrors int
	lastError         string
	lastCheckedAt     time.Time
	lastSuccessAt     time.Time
	rateLimitedUntil  time.Time
}

// Manager federates registered data sources behind the active priority
// profile. Every fetch walks the priority list, skipping unhealthy or
// unsupporting sources, and returns the first success.
type Manager struct {
	profiles      *ProfileManager
	states        map[models.SourceTag]*sourceState
	order         []models.SourceTag
	legacyEnabled bool
}

// NewManager registers the given sources and builds per-source token buckets
// sized from each adapter's declared per-minute limit.
func NewManager(profiles *ProfileManager, srcs []sources.Source, legacyEnabled bool) *Manager {
	m := &Manager{
		profiles:      profiles,
		states:        make(map[models.SourceTag]*sourceState, len(srcs)),
		legacyEnabled: legacyEnabled,
	}
	for _, src := range srcs {
		perMin := src.RateLimitPerMinute()
		if perMin <= 0 {
			perMin = 60
		}
		m.states[src.Tag()] = &sourceState{
			source:  src,
			limiter: rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin),
			status:  models.SourceAvailable,
		}
		m.order = append(m.order, src.Tag())
	}
	return m
}

// Fetch resolves data for the query via the active priority profile.
// Sources are tried in order; the first success wins. When every candidate
// fails, the last error is returned so callers see the most specific cause.
func (m *Manager) Fetch(ctx context.Context, query *models.DataQuery) (*models.DataRecordSet, error) {
	priority := m.profiles.PriorityFor(query.Market, query.Category)
	if len(priority) == 0 {
		return nil, models.NewError(models.ErrValidation,
			fmt.Sprintf("no sources configured for %s/%s", query.Market, query.Category))
	}

	var lastErr error
	tried := 0

	for _, tag := range priority {
		if tag == models.SourceLegacy && !m.legacyEnabled {
			continue
		}
		state, ok := m.states[tag]
		if !ok {
			continue
		}
		if !state.source.IsEnabled() || !state.source.Supports(query.Market, query.Category) {
			continue
		}
		if !state.usable(time.Now()) {
			continue
		}

		if !state.limiter.Allow() {
			logger.Warn("⏳ Source rate budget exhausted, trying next",
				zap.String("source", string(tag)),
			)
			lastErr = models.NewError(models.ErrRateLimit, fmt.Sprintf("source %s local rate budget exhausted", tag))
			continue
		}

		tried++
		fetchCtx, cancel := context.WithTimeout(ctx, state.source.Timeout())
		set, err := state.source.Fetch(fetchCtx, query)
		cancel()

		if err != nil {
			state.recordFailure(err)
			lastErr = err
			logger.Warn("source fetch failed, failing over",
				zap.String("source", string(tag)),
				zap.String("symbol", query.Symbol),
				zap.String("category", string(query.Category)),
				zap.Error(err),
			)
			if ctx.Err() != nil {
				return nil, models.WrapError(models.ErrTimeout, "federation aborted", ctx.Err())
			}
			continue
		}

		state.recordSuccess()
		return set, nil
	}

	if lastErr != nil {
		return nil, models.WrapError(models.ErrUnavailable,
			fmt.Sprintf("all %d candidate sources failed for %s/%s", tried, query.Symbol, query.Category), lastErr)
	}
	return nil, models.NewError(models.ErrUnavailable,
		fmt.Sprintf("no usable source for %s/%s in market %s", query.Symbol, query.Category, query.Market))
}

// Health returns a snapshot of every registered source, in registration order
func (m *Manager) Health() []SourceHealth {
	out := make([]SourceHealth, 0, len(m.order))
	for _, tag := range m.order {
		state := m.states[tag]
		state.mu.Lock()
		out = append(out, SourceHealth{
			Tag:               tag,
			Status:            state.statusLocked(time.Now()),
			ConsecutiveErrors: state.consecutiveErrors,
			LastError:         state.lastError,
			LastCheckedAt:     state.lastCheckedAt,
			LastSuccessAt:     state.lastSuccessAt,
		})
		state.mu.Unlock()
	}
	return out
}

// MarkStatus forces a source's status, used by the health sweep and tests
func (m *Manager) MarkStatus(tag models.SourceTag, status models.SourceStatus) {
	state, ok := m.states[tag]
	if !ok {
		return
	}
	state.mu.Lock()
	state.status = status
	if status == models.SourceAvailable {
		state.consecutiveErrors = 0
		state.lastError = ""
	}
	state.mu.Unlock()
}

// usable reports whether the source should be attempted right now
func (s *sourceState) usable(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked(now) == models.SourceAvailable
}

// statusLocked resolves transient rate-limit cooldowns back to AVAILABLE
func (s *sourceState) statusLocked(now time.Time) models.SourceStatus {
	if s.status == models.SourceRateLimited && now.After(s.rateLimitedUntil) {
		s.status = models.SourceAvailable
	}
	return s.status
}

func (s *sourceState) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveErrors = 0
	s.lastError = ""
	s.status = models.SourceAvailable
	s.lastSuccessAt = time.Now()
	s.lastCheckedAt = s.lastSuccessAt
}

func (s *sourceState) recordFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.consecutiveErrors++
	s.lastError = err.Error()
	s.lastCheckedAt = time.Now()

	switch models.KindOf(err) {
	case models.ErrRateLimit:
		// Back off for a minute, then the next check restores availability
		s.status = models.SourceRateLimited
		s.rateLimitedUntil = time.Now().Add(time.Minute)
	default:
		if s.consecutiveErrors > errorBudget {
			if s.status != models.SourceError {
				logger.Error("🛑 Source exceeded error budget, marking ERROR",
					zap.String("source", string(s.source.Tag())),
					zap.Int("consecutive_errors", s.consecutiveErrors),
				)
			}
			s.status = models.SourceError
		}
	}
}

// HealthSweep is the periodic worker that probes every source and restores
// ones that recovered. Sources in ERROR get re-probed too, so a transient
// outage does not blacklist a source forever.
type HealthSweep struct {
	manager *Manager
}

// NewHealthSweep creates the health sweep worker
func NewHealthSweep(manager *Manager) *HealthSweep {
	return &HealthSweep{manager: manager}
}

func (h *HealthSweep) Name() string { return "source_health_sweep" }

func (h *HealthSweep) Run(ctx context.Context) error {
	for tag, state := range h.manager.states {
		if !state.source.IsEnabled() {
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, state.source.Timeout())
		err := state.source.HealthCheck(probeCtx)
		cancel()

		state.mu.Lock()
		state.lastCheckedAt = time.Now()
		if err != nil {
			state.lastError = err.Error()
			if state.status == models.SourceAvailable {
				state.status = models.SourceUnavailable
				logger.Warn("⚠️ Source health check failed",
					zap.String("source", string(tag)),
					zap.Error(err),
				)
			}
		} else if state.status == models.SourceUnavailable || state.status == models.SourceError {
			logger.Info("✅ Source recovered",
				zap.String("source", string(tag)),
			)
			state.status = models.SourceAvailable
			state.consecutiveErrors = 0
			state.lastError = ""
		}
		state.mu.Unlock()

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}
