// Package engine supervises projection runners. An Engine is built once at
// startup and passed to whatever needs it; there is no package-level state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/telhawk-systems/projector/common/database"
	"github.com/telhawk-systems/projector/common/logging"
	"github.com/telhawk-systems/projector/internal/eventstore"
	"github.com/telhawk-systems/projector/internal/metrics"
	"github.com/telhawk-systems/projector/internal/projection"
	"github.com/telhawk-systems/projector/internal/tracking"
	"github.com/telhawk-systems/projector/internal/transport"
)

var (
	ErrUnknownProjection   = errors.New("unknown projection")
	ErrDuplicateProjection = errors.New("projection already registered")
	ErrNotRunning          = errors.New("engine is not running")
	ErrAlreadyRunning      = errors.New("engine is already running")
)

// Config tunes the engine and its runners.
type Config struct {
	BatchSize            int
	PollInterval         time.Duration
	RetryInitial         time.Duration
	RetryMax             time.Duration
	Timeouts             database.Timeouts
	MaxConcurrentRunners int64
	// LagInterval is how often lag gauges are refreshed. Zero uses PollInterval.
	LagInterval time.Duration
}

// Deps are the engine's collaborators. T is the transaction handle.
type Deps[T any] struct {
	Log      eventstore.NotificationLog
	Recorder tracking.Recorder[T]
	// Lease returns a projection's handle on the runner connection arena.
	Lease func(name string) projection.TxRunner[T]
	// Wakeups is optional; runners poll regardless.
	Wakeups transport.Subscriber
	// Ownership is optional; nil means every projection runs here.
	Ownership projection.Lease
	Logger    *logging.Logger
}

type handle[T any] struct {
	runner *projection.Runner[T]
	cancel context.CancelFunc
	done   chan struct{}
}

// Engine owns one Runner per registered projection.
type Engine[T any] struct {
	cfg    Config
	deps   Deps[T]
	logger *logging.Logger
	sem    *semaphore.Weighted

	mu      sync.Mutex
	base    context.Context
	order   []string
	runners map[string]*handle[T]
}

// New creates an Engine.
func New[T any](cfg Config, deps Deps[T]) *Engine[T] {
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	if cfg.MaxConcurrentRunners <= 0 {
		cfg.MaxConcurrentRunners = 1
	}
	if cfg.LagInterval <= 0 {
		cfg.LagInterval = cfg.PollInterval
	}
	if cfg.LagInterval <= 0 {
		cfg.LagInterval = time.Second
	}
	return &Engine[T]{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrentRunners),
		runners: make(map[string]*handle[T]),
	}
}

// Register adds a projection. It must be called before Run.
func (e *Engine[T]) Register(p projection.Projection[T]) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	name := p.Name()
	if _, ok := e.runners[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateProjection, name)
	}
	if e.base != nil {
		return ErrAlreadyRunning
	}

	r := projection.NewRunner(p, e.deps.Log, e.deps.Lease(name), e.deps.Recorder, projection.Options{
		BatchSize:    e.cfg.BatchSize,
		PollInterval: e.cfg.PollInterval,
		RetryInitial: e.cfg.RetryInitial,
		RetryMax:     e.cfg.RetryMax,
		Timeouts:     e.cfg.Timeouts,
		Limiter:      e.sem,
		Lease:        e.deps.Ownership,
		Logger:       e.logger,
	})
	e.runners[name] = &handle[T]{runner: r}
	e.order = append(e.order, name)
	e.logger.Debug("projection registered", logging.Projection(name), "event_types", p.Handlers().Types())
	return nil
}

// Names lists registered projections in registration order.
func (e *Engine[T]) Names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.order)
}

// Run starts every runner and blocks until ctx is cancelled, then stops
// them at their next batch boundary.
func (e *Engine[T]) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.base != nil {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.base = ctx
	e.mu.Unlock()

	// Subscribe before starting runners so no signal falls between a
	// runner's first drain and the subscription.
	if e.deps.Wakeups != nil {
		cancel, err := e.deps.Wakeups.Subscribe(e.wake)
		if err != nil {
			e.logger.Warn("wake-up subscription failed, relying on polling", logging.Error(err))
		} else {
			defer cancel()
		}
	}

	e.mu.Lock()
	for _, name := range e.order {
		e.start(e.runners[name])
	}
	e.mu.Unlock()

	e.logger.Info("engine started", "projections", len(e.order),
		"max_concurrent_runners", e.cfg.MaxConcurrentRunners)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.trackLag(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		e.stopAll()
		return nil
	})
	err := g.Wait()

	e.mu.Lock()
	e.base = nil
	e.mu.Unlock()
	e.logger.Info("engine stopped")
	return err
}

// start launches h's runner under the engine context. Callers hold e.mu.
func (e *Engine[T]) start(h *handle[T]) {
	ctx, cancel := context.WithCancel(e.base)
	h.cancel = cancel
	h.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		if err := h.runner.Run(ctx); err != nil {
			e.logger.Error("projection runner exited", logging.Projection(h.runner.Name()), logging.Error(err))
		}
	}(h.done)
}

func (e *Engine[T]) stopAll() {
	e.mu.Lock()
	var waits []chan struct{}
	for _, h := range e.runners {
		if h.cancel != nil {
			h.cancel()
			waits = append(waits, h.done)
			h.cancel = nil
		}
	}
	e.mu.Unlock()
	for _, done := range waits {
		<-done
	}
}

func (e *Engine[T]) wake(s transport.Signal) {
	metrics.WakeupsTotal.WithLabelValues(s.Source).Inc()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, h := range e.runners {
		h.runner.Wake()
	}
}

func (e *Engine[T]) trackLag(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.LagInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Status(ctx); err != nil && ctx.Err() == nil {
				e.logger.Debug("lag refresh failed", logging.Error(err))
			}
		}
	}
}

func (e *Engine[T]) lookup(name string) (*handle[T], error) {
	h, ok := e.runners[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProjection, name)
	}
	return h, nil
}

// Pause stops one runner at its next batch boundary and waits for it.
// Other runners are unaffected.
func (e *Engine[T]) Pause(ctx context.Context, name string) error {
	e.mu.Lock()
	h, err := e.lookup(name)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	cancel, done := h.cancel, h.done
	h.cancel = nil
	e.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resume restarts a paused runner. If a Pause gave up before the runner
// stopped, Resume first waits for that runner to exit.
func (e *Engine[T]) Resume(ctx context.Context, name string) error {
	e.mu.Lock()
	h, err := e.lookup(name)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if e.base == nil {
		e.mu.Unlock()
		return ErrNotRunning
	}
	if h.cancel != nil {
		e.mu.Unlock()
		return nil
	}
	done := h.done
	e.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.base == nil {
		return ErrNotRunning
	}
	if h.cancel != nil {
		return nil
	}
	e.start(h)
	h.runner.Wake()
	return nil
}

// Reset truncates a paused projection and moves its cursor to 0 in one
// transaction.
func (e *Engine[T]) Reset(ctx context.Context, name string) error {
	e.mu.Lock()
	h, err := e.lookup(name)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	return h.runner.Reset(ctx)
}

// Position returns the committed position of name. The durable cursor is
// read first, so progress made by another process holding the projection
// lease is visible here too.
func (e *Engine[T]) Position(ctx context.Context, name string) (int64, error) {
	e.mu.Lock()
	h, err := e.lookup(name)
	e.mu.Unlock()
	if err != nil {
		return 0, err
	}
	records, err := e.deps.Recorder.List(ctx)
	if err != nil {
		return 0, err
	}
	for _, rec := range records {
		if rec.ProjectionName == name {
			return rec.Position, nil
		}
	}
	return h.runner.Status().Position, nil
}

// Head returns the notification log head.
func (e *Engine[T]) Head(ctx context.Context) (int64, error) {
	head, err := e.deps.Log.Head(ctx)
	if err != nil {
		return 0, err
	}
	metrics.LogHead.Set(float64(head))
	return head, nil
}

// ProjectionStatus is the health view of one projection.
type ProjectionStatus struct {
	projection.Status
	Head int64 `json:"head"`
	Lag  int64 `json:"lag"`
	// Owner is the process holding the projection lease, when leases are on.
	Owner string `json:"owner,omitempty"`
}

// holder is implemented by leases that can report their current owner.
type holder interface {
	Holder(ctx context.Context, name string) (string, error)
}

// Status reports every projection with its lag. Durable cursors are
// preferred over in-memory positions so paused projections still report.
func (e *Engine[T]) Status(ctx context.Context) ([]ProjectionStatus, error) {
	head, err := e.Head(ctx)
	if err != nil {
		return nil, err
	}
	records, err := e.deps.Recorder.List(ctx)
	if err != nil {
		return nil, err
	}
	durable := make(map[string]int64, len(records))
	for _, rec := range records {
		durable[rec.ProjectionName] = rec.Position
	}

	e.mu.Lock()
	out := make([]ProjectionStatus, 0, len(e.order))
	for _, name := range e.order {
		st := e.runners[name].runner.Status()
		if pos, ok := durable[name]; ok {
			st.Position = pos
		}
		lag := max(head-st.Position, 0)
		metrics.Lag.WithLabelValues(name).Set(float64(lag))
		out = append(out, ProjectionStatus{Status: st, Head: head, Lag: lag})
	}
	e.mu.Unlock()

	if hl, ok := e.deps.Ownership.(holder); ok {
		for i := range out {
			owner, err := hl.Holder(ctx, out[i].Name)
			if err != nil {
				e.logger.DebugContext(ctx, "lease holder lookup failed", logging.Projection(out[i].Name), logging.Error(err))
				continue
			}
			out[i].Owner = owner
		}
	}
	return out, nil
}

// StatusOf reports one projection.
func (e *Engine[T]) StatusOf(ctx context.Context, name string) (ProjectionStatus, error) {
	all, err := e.Status(ctx)
	if err != nil {
		return ProjectionStatus{}, err
	}
	for _, st := range all {
		if st.Name == name {
			return st, nil
		}
	}
	return ProjectionStatus{}, fmt.Errorf("%w: %s", ErrUnknownProjection, name)
}
