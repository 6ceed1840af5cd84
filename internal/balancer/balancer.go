package balancer

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/stock-agents/pkg/logger"
	"github.com/selivandex/stock-agents/pkg/models"
)

// Strategy names an instance-selection policy
type Strategy string

const (
	RoundRobin         Strategy = "round_robin"
	WeightedRoundRobin Strategy = "weighted_round_robin"
	LeastConnections   Strategy = "least_connections"
	Random             Strategy = "random"
	HealthAware        Strategy = "health_aware"
)

// ParseStrategy validates a strategy name
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case RoundRobin, WeightedRoundRobin, LeastConnections, Random, HealthAware:
		return Strategy(s), nil
	case "":
		return RoundRobin, nil
	}
	return "", models.NewError(models.ErrValidation, fmt.Sprintf("unknown balancer strategy %q", s))
}

// instance wraps the published snapshot with selection bookkeeping
type instance struct {
	models.WorkerInstance
	currentWeight int // smooth weighted round-robin credit
}

// Balancer selects among registered worker instances. All state is guarded
// by one mutex; Pick and Done are the hot path and hold it briefly.
type Balancer struct {
	mu        sync.Mutex
	strategy  Strategy
	instances []*instance
	rrIndex   int
	rng       *rand.Rand
}

// New creates a balancer with the given strategy
func New(strategy Strategy) *Balancer {
	return &Balancer{
		strategy: strategy,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Register adds a worker instance. Weight below 1 is clamped to 1.
func (b *Balancer) Register(id, address string, weight int) {
	if weight < 1 {
		weight = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, inst := range b.instances {
		if inst.ID == id {
			inst.Address = address
			inst.Weight = weight
			return
		}
	}
	b.instances = append(b.instances, &instance{
		WorkerInstance: models.WorkerInstance{
			ID:          id,
			Address:     address,
			Weight:      weight,
			Available:   true,
			SuccessRate: 1,
		},
	})
	logger.Info("⚖️ Worker instance registered",
		zap.String("id", id),
		zap.String("address", address),
		zap.Int("weight", weight))
}

// Remove drops an instance
func (b *Balancer) Remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, inst := range b.instances {
		if inst.ID == id {
			b.instances = append(b.instances[:i], b.instances[i+1:]...)
			return
		}
	}
}

// Pick selects an available instance per the strategy and counts one
// in-flight connection against it.
func (b *Balancer) Pick() (*models.WorkerInstance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	candidates := make([]*instance, 0, len(b.instances))
	for _, inst := range b.instances {
		if inst.Available {
			candidates = append(candidates, inst)
		}
	}
	if len(candidates) == 0 {
		return nil, models.NewError(models.ErrUnavailable, "no available worker instances")
	}

	var chosen *instance
	switch b.strategy {
	case WeightedRoundRobin:
		chosen = b.pickWeighted(candidates)
	case LeastConnections:
		chosen = b.pickLeastConnections(candidates)
	case Random:
		chosen = candidates[b.rng.Intn(len(candidates))]
	case HealthAware:
		chosen = b.pickHealthAware(candidates)
	default:
		chosen = candidates[b.rrIndex%len(candidates)]
		b.rrIndex++
	}

	chosen.Connections++
	snapshot := chosen.WorkerInstance
	return &snapshot, nil
}

// pickWeighted runs smooth weighted round-robin: credits grow by weight and
// the winner pays the total back, which interleaves heavy instances.
func (b *Balancer) pickWeighted(candidates []*instance) *instance {
	total := 0
	var best *instance
	for _, inst := range candidates {
		inst.currentWeight += inst.Weight
		total += inst.Weight
		if best == nil || inst.currentWeight > best.currentWeight {
			best = inst
		}
	}
	best.currentWeight -= total
	return best
}

func (b *Balancer) pickLeastConnections(candidates []*instance) *instance {
	best := candidates[0]
	for _, inst := range candidates[1:] {
		if inst.Connections < best.Connections {
			best = inst
		}
	}
	return best
}

// pickHealthAware scores each instance; lowest score wins
func (b *Balancer) pickHealthAware(candidates []*instance) *instance {
	best := candidates[0]
	bestScore := score(best)
	for _, inst := range candidates[1:] {
		if s := score(inst); s < bestScore {
			best, bestScore = inst, s
		}
	}
	return best
}

func score(inst *instance) float64 {
	return inst.ResponseTime.Seconds() +
		float64(inst.Connections) +
		(1-inst.SuccessRate)*10 +
		inst.CPUPercent +
		inst.MemPercent
}

// responseAlpha is the EMA weight for response time and success rate
const responseAlpha = 0.3

// Done releases the connection picked for id and folds the call outcome
// into the instance's rolling response time and success rate.
func (b *Balancer) Done(id string, duration time.Duration, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, inst := range b.instances {
		if inst.ID != id {
			continue
		}
		if inst.Connections > 0 {
			inst.Connections--
		}
		if inst.ResponseTime == 0 {
			inst.ResponseTime = duration
		} else {
			inst.ResponseTime = time.Duration(float64(inst.ResponseTime)*(1-responseAlpha) + float64(duration)*responseAlpha)
		}
		outcome := 0.0
		if success {
			outcome = 1
		}
		inst.SuccessRate = inst.SuccessRate*(1-responseAlpha) + outcome*responseAlpha
		return
	}
}

// MarkAvailable flips an instance's availability
func (b *Balancer) MarkAvailable(id string, available bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, inst := range b.instances {
		if inst.ID == id {
			if inst.Available != available {
				logger.Info("⚖️ Worker availability changed",
					zap.String("id", id),
					zap.Bool("available", available))
			}
			inst.Available = available
			inst.LastChecked = time.Now()
			return
		}
	}
}

// UpdateLoad records host metrics reported by an instance's health endpoint
func (b *Balancer) UpdateLoad(id string, cpuPercent, memPercent float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, inst := range b.instances {
		if inst.ID == id {
			inst.CPUPercent = cpuPercent
			inst.MemPercent = memPercent
			return
		}
	}
}

// Instances returns snapshots of every registered instance
func (b *Balancer) Instances() []models.WorkerInstance {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.WorkerInstance, len(b.instances))
	for i, inst := range b.instances {
		out[i] = inst.WorkerInstance
	}
	return out
}
