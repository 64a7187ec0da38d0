// Package breaker guards the task publisher with a circuit breaker so a dead
// worker transport fails dispatches fast instead of stalling engine workers.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/plexus/internal/adapters/metrics"
	"github.com/eleven-am/plexus/internal/domain"
	"github.com/eleven-am/plexus/internal/ports"
)

const component = "breaker.Publisher"

var (
	ErrOpen            = errors.New("publisher circuit is open")
	ErrPublishTimeout  = errors.New("publish timed out")
	ErrTooManyRequests = errors.New("publisher circuit is half-open and busy")
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

// Publisher wraps a ports.TaskPublisher. Consecutive failures open the
// circuit; once OpenInterval has passed a bounded number of trial publishes
// are let through and enough successes close it again.
type Publisher struct {
	next    ports.TaskPublisher
	config  domain.BreakerConfig
	metrics *metrics.Collectors
	logger  *slog.Logger
	now     func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	trials      int
	openedAt    time.Time
	lastChanged time.Time
}

type Option func(*Publisher)

func WithMetrics(collectors *metrics.Collectors) Option {
	return func(p *Publisher) {
		p.metrics = collectors
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Publisher) {
		if now != nil {
			p.now = now
		}
	}
}

func NewPublisher(next ports.TaskPublisher, config domain.BreakerConfig, logger *slog.Logger, opts ...Option) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := domain.DefaultBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = defaults.SuccessThreshold
	}
	if config.HalfOpenRequests <= 0 {
		config.HalfOpenRequests = defaults.HalfOpenRequests
	}
	if config.OpenInterval <= 0 {
		config.OpenInterval = defaults.OpenInterval
	}

	p := &Publisher{
		next:   next,
		config: config,
		logger: logger.With("component", "publisher-breaker"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.lastChanged = p.now()
	return p
}

func (p *Publisher) Publish(ctx context.Context, msg domain.DispatchMessage) error {
	if err := p.admit(); err != nil {
		p.metrics.PublishRejected()
		return domain.NewResourceError("task publisher unavailable", err,
			domain.WithComponent(component),
			domain.WithOperation("publish"),
			domain.WithDetail("task_id", msg.TaskID))
	}

	err := p.call(ctx, msg)
	p.record(err)
	return err
}

func (p *Publisher) call(ctx context.Context, msg domain.DispatchMessage) error {
	if p.config.PublishTimeout <= 0 {
		return p.next.Publish(ctx, msg)
	}

	callCtx, cancel := context.WithTimeout(ctx, p.config.PublishTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- p.next.Publish(callCtx, msg)
	}()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return ErrPublishTimeout
		}
		return callCtx.Err()
	}
}

func (p *Publisher) admit() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateOpen && !p.now().Before(p.openedAt.Add(p.config.OpenInterval)) {
		p.transition(StateHalfOpen)
	}

	switch p.state {
	case StateOpen:
		return ErrOpen
	case StateHalfOpen:
		if p.trials >= p.config.HalfOpenRequests {
			return ErrTooManyRequests
		}
		p.trials++
	}
	return nil
}

func (p *Publisher) record(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err == nil {
		p.failures = 0
		p.successes++
		if p.state == StateHalfOpen && p.successes >= p.config.SuccessThreshold {
			p.transition(StateClosed)
		}
		return
	}

	p.successes = 0
	p.failures++
	switch p.state {
	case StateClosed:
		if p.failures >= p.config.FailureThreshold {
			p.transition(StateOpen)
		}
	case StateHalfOpen:
		p.transition(StateOpen)
	}
}

// transition must be called with mu held.
func (p *Publisher) transition(to State) {
	from := p.state
	if from == to {
		return
	}
	now := p.now()
	p.state = to
	p.lastChanged = now
	p.trials = 0

	switch to {
	case StateOpen:
		p.openedAt = now
		p.successes = 0
	case StateHalfOpen:
		p.failures = 0
	case StateClosed:
		p.failures = 0
		p.successes = 0
	}

	p.metrics.SetBreakerState(int(to))
	p.logger.Warn("publisher circuit state change", "from", from.String(), "to", to.String())
}

func (p *Publisher) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Reset closes the circuit and forgets past failures.
func (p *Publisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transition(StateClosed)
	p.failures = 0
	p.successes = 0
}

var _ ports.TaskPublisher = (*Publisher)(nil)
