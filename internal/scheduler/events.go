package scheduler

import (
	"sync"

	"go.uber.org/zap"

	"github.com/selivandex/stock-agents/pkg/logger"
	"github.com/selivandex/stock-agents/pkg/models"
)

// Event names a task lifecycle transition
type Event string

const (
	EventTaskStarted   Event = "task_started"
	EventTaskCompleted Event = "task_completed"
	EventTaskFailed    Event = "task_failed"
	EventTaskTimeout   Event = "task_timeout"
)

// CallbackFunc receives an immutable task snapshot. Callbacks may not
// mutate task state and must return quickly.
type CallbackFunc func(event Event, task *models.WorkflowTask)

type eventEnvelope struct {
	event Event
	task  *models.WorkflowTask
}

// eventPipeline delivers callbacks on a single goroutine so ordering matches
// lifecycle transitions. Emission never blocks the scheduler: when the
// buffer is full the event is dropped with a warning.
type eventPipeline struct {
	mu        sync.RWMutex
	closed    bool
	callbacks map[Event][]CallbackFunc
	ch        chan eventEnvelope
	done      chan struct{}
}

func newEventPipeline() *eventPipeline {
	return &eventPipeline{
		callbacks: make(map[Event][]CallbackFunc),
		ch:        make(chan eventEnvelope, 256),
	}
}

func (p *eventPipeline) register(event Event, fn CallbackFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callbacks[event] = append(p.callbacks[event], fn)
}

func (p *eventPipeline) start() {
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		for env := range p.ch {
			p.mu.RLock()
			cbs := append([]CallbackFunc(nil), p.callbacks[env.event]...)
			p.mu.RUnlock()
			for _, cb := range cbs {
				p.invoke(cb, env)
			}
		}
	}()
}

func (p *eventPipeline) invoke(cb CallbackFunc, env eventEnvelope) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event callback panic",
				zap.String("event", string(env.event)),
				zap.Any("panic", r),
			)
		}
	}()
	cb(env.event, env.task)
}

// emit holds the read lock across the send so stop cannot close the channel
// mid-send; a runner outliving the drain deadline drops its event instead of
// panicking.
func (p *eventPipeline) emit(event Event, task *models.WorkflowTask) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		logger.Debug("event pipeline stopped, dropping event",
			zap.String("event", string(event)),
			zap.String("task_id", task.ID),
		)
		return
	}
	select {
	case p.ch <- eventEnvelope{event: event, task: task}:
	default:
		logger.Warn("event pipeline full, dropping event",
			zap.String("event", string(event)),
			zap.String("task_id", task.ID),
		)
	}
}

func (p *eventPipeline) stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.ch)
	p.mu.Unlock()
	if p.done != nil {
		<-p.done
	}
}
