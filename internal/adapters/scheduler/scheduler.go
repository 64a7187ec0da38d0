// Package scheduler runs the periodic sweeps on the primary instance only.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/plexus/internal/adapters/metrics"
	"github.com/eleven-am/plexus/internal/adapters/tracing"
	"github.com/eleven-am/plexus/internal/domain"
	"github.com/eleven-am/plexus/internal/ports"
	"go.opentelemetry.io/otel/attribute"
)

// Sweep is one periodic maintenance job. Run reports how many records it changed.
// A Local sweep tidies state held by this process and runs on every instance.
type Sweep struct {
	Name     string
	Interval time.Duration
	Local    bool
	Run      func(ctx context.Context) (int, error)
}

type Scheduler struct {
	leader  ports.LeaderChecker
	sweeps  map[string]Sweep
	order   []string
	metrics *metrics.Collectors
	tracer  *tracing.Tracer
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type Option func(*Scheduler)

func WithMetrics(collectors *metrics.Collectors) Option {
	return func(s *Scheduler) {
		s.metrics = collectors
	}
}

func WithTracer(tracer *tracing.Tracer) Option {
	return func(s *Scheduler) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// NewScheduler creates a scheduler gated by leader. A nil leader runs every sweep.
func NewScheduler(leader ports.LeaderChecker, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		leader: leader,
		sweeps: make(map[string]Sweep),
		tracer: tracing.New(nil),
		logger: logger.With("component", "sweep_scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a sweep. Sweeps added after Start only run through RunOnce.
func (s *Scheduler) Add(sweep Sweep) error {
	if sweep.Name == "" || sweep.Run == nil {
		return domain.NewValidationError("sweep requires a name and a run function", domain.ErrInvalidInput,
			domain.WithComponent("scheduler.Scheduler"))
	}
	if sweep.Interval <= 0 {
		return domain.NewValidationError("sweep interval must be positive", domain.ErrInvalidInput,
			domain.WithComponent("scheduler.Scheduler"),
			domain.WithDetail("sweep", sweep.Name))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sweeps[sweep.Name]; !exists {
		s.order = append(s.order, sweep.Name)
	}
	s.sweeps[sweep.Name] = sweep
	return nil
}

func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true

	s.logger.Info("starting sweep scheduler", "sweeps", len(s.order))
	for _, name := range s.order {
		sweep := s.sweeps[name]
		s.wg.Add(1)
		go s.loop(s.ctx, sweep)
	}
	return nil
}

func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	s.logger.Info("stopping sweep scheduler")
	cancel()
	s.wg.Wait()
	s.logger.Info("sweep scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, sweep Sweep) {
	defer s.wg.Done()
	ticker := time.NewTicker(sweep.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.run(ctx, sweep); err != nil && ctx.Err() == nil {
				s.logger.Error("sweep failed", "sweep", sweep.Name, "error", err)
			}
		}
	}
}

// RunOnce runs the named sweep now, still subject to the leader check unless
// the sweep is local. It returns false when the sweep was skipped.
func (s *Scheduler) RunOnce(ctx context.Context, name string) (int, bool, error) {
	s.mu.Lock()
	sweep, ok := s.sweeps[name]
	s.mu.Unlock()
	if !ok {
		return 0, false, domain.NewValidationError("unknown sweep", domain.ErrNotFound,
			domain.WithComponent("scheduler.Scheduler"),
			domain.WithDetail("sweep", name))
	}
	if !s.gated(ctx, sweep) {
		s.metrics.SweepSkipped(name)
		return 0, false, nil
	}
	count, err := s.execute(ctx, sweep)
	return count, true, err
}

func (s *Scheduler) run(ctx context.Context, sweep Sweep) (int, error) {
	if !s.gated(ctx, sweep) {
		s.metrics.SweepSkipped(sweep.Name)
		s.logger.Debug("sweep skipped on standby", "sweep", sweep.Name)
		return 0, nil
	}
	return s.execute(ctx, sweep)
}

func (s *Scheduler) execute(ctx context.Context, sweep Sweep) (count int, err error) {
	ctx, span := s.tracer.Start(ctx, "sweep."+sweep.Name, attribute.String("sweep", sweep.Name))
	start := time.Now()
	defer func() {
		s.metrics.ObserveSweep(sweep.Name, time.Since(start))
		span.SetAttributes(attribute.Int("sweep.count", count))
		tracing.End(span, err)
	}()

	count, err = sweep.Run(ctx)
	if err == nil && count > 0 {
		s.logger.Info("sweep completed", "sweep", sweep.Name, "count", count, "duration", time.Since(start))
	}
	return count, err
}

// gated reports whether sweep may run on this instance.
func (s *Scheduler) gated(ctx context.Context, sweep Sweep) bool {
	return sweep.Local || s.leader == nil || s.leader.IsLeader(ctx)
}
