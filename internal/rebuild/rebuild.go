// Package rebuild re-derives a projection's read model from position 0
// without pausing any other projection.
package rebuild

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/telhawk-systems/projector/common/logging"
	"github.com/telhawk-systems/projector/common/messaging"
	"github.com/telhawk-systems/projector/internal/metrics"
)

// State is a coordinator state for one projection.
type State string

const (
	StateIdle      State = "idle"
	StateClearing  State = "clearing"
	StateReplaying State = "replaying"
	StateFailed    State = "failed"
)

// ErrInProgress is returned when a rebuild of the same projection is running.
var ErrInProgress = errors.New("rebuild already in progress")

// Controller is what the coordinator needs from the engine.
type Controller interface {
	Pause(ctx context.Context, name string) error
	Resume(ctx context.Context, name string) error
	Reset(ctx context.Context, name string) error
	// Position is the durable cursor, which may be advanced by another process.
	Position(ctx context.Context, name string) (int64, error)
	Head(ctx context.Context) (int64, error)
}

// Status is the rebuild view of one projection.
type Status struct {
	Name       string    `json:"name"`
	State      State     `json:"state"`
	Target     int64     `json:"target,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// Coordinator runs rebuilds.
type Coordinator struct {
	ctl       Controller
	publisher messaging.Publisher
	logger    *logging.Logger
	poll      time.Duration
	timeout   time.Duration

	// base is cancelled by Close and bounds background rebuilds.
	base   context.Context
	stop   context.CancelFunc
	mu     sync.Mutex
	states map[string]*Status
	wg     sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPublisher announces completed rebuilds on the message bus.
func WithPublisher(p messaging.Publisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

// WithPollInterval sets how often replay progress is checked.
func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.poll = d
		}
	}
}

// WithTimeout bounds every rebuild, including background ones started over
// HTTP. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

// DefaultTimeout bounds a rebuild when WithTimeout is not given.
const DefaultTimeout = time.Hour

// New creates a Coordinator.
func New(ctl Controller, logger *logging.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = logging.Default()
	}
	base, stop := context.WithCancel(context.Background())
	c := &Coordinator{
		base:    base,
		stop:    stop,
		ctl:     ctl,
		logger:  logger,
		poll:    50 * time.Millisecond,
		timeout: DefaultTimeout,
		states:  make(map[string]*Status),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the rebuild status of name. Projections never rebuilt are idle.
func (c *Coordinator) State(name string) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[name]; ok {
		return *st
	}
	return Status{Name: name, State: StateIdle}
}

func (c *Coordinator) begin(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[name]; ok && (st.State == StateClearing || st.State == StateReplaying) {
		return fmt.Errorf("%w: %s", ErrInProgress, name)
	}
	c.states[name] = &Status{Name: name, State: StateClearing, StartedAt: time.Now().UTC()}
	return nil
}

func (c *Coordinator) update(name string, fn func(*Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.states[name])
}

// Start runs Rebuild in the background. It fails immediately if a rebuild
// of name is already running. The rebuild outlives ctx but not Close.
func (c *Coordinator) Start(ctx context.Context, name string) error {
	if err := c.begin(name); err != nil {
		return err
	}
	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	unlink := context.AfterFunc(c.base, cancel)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		defer unlink()
		_ = c.run(rctx, name)
	}()
	return nil
}

// Wait blocks until background rebuilds have finished.
func (c *Coordinator) Wait() { c.wg.Wait() }

// Close interrupts background rebuilds and waits for them. Interrupted
// rebuilds are marked failed.
func (c *Coordinator) Close() {
	c.stop()
	c.wg.Wait()
}

// Rebuild pauses name's runner, truncates its read model and resets its
// cursor in one transaction, resumes it, and waits until it has replayed up
// to the log head captured at the start.
func (c *Coordinator) Rebuild(ctx context.Context, name string) error {
	if err := c.begin(name); err != nil {
		return err
	}
	return c.run(ctx, name)
}

func (c *Coordinator) run(ctx context.Context, name string) error {
	ctx = logging.WithAttrs(ctx, logging.Projection(name))
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	start := time.Now()

	err := c.rebuild(ctx, name)
	if err != nil {
		c.update(name, func(st *Status) {
			st.State = StateFailed
			st.Error = err.Error()
			st.FinishedAt = time.Now().UTC()
		})
		metrics.RebuildsTotal.WithLabelValues(name, "failed").Inc()
		c.logger.ErrorContext(ctx, "rebuild failed, read model is stale until retried", logging.Error(err))
		return err
	}

	c.update(name, func(st *Status) {
		st.State = StateIdle
		st.Error = ""
		st.FinishedAt = time.Now().UTC()
	})
	metrics.RebuildsTotal.WithLabelValues(name, "ok").Inc()
	c.logger.InfoContext(ctx, "rebuild complete", logging.Duration(time.Since(start).Milliseconds()))
	c.announce(ctx, name)
	return nil
}

func (c *Coordinator) rebuild(ctx context.Context, name string) error {
	head, err := c.ctl.Head(ctx)
	if err != nil {
		return fmt.Errorf("failed to read log head: %w", err)
	}
	c.update(name, func(st *Status) { st.Target = head })
	c.logger.InfoContext(ctx, "rebuild started", logging.Position(head))

	if err := c.ctl.Pause(ctx, name); err != nil {
		return fmt.Errorf("failed to pause runner: %w", err)
	}
	if err := c.ctl.Reset(ctx, name); err != nil {
		// The reset rolled back, so the old read model is intact; keep serving it.
		if rerr := c.ctl.Resume(ctx, name); rerr != nil {
			c.logger.WarnContext(ctx, "failed to resume runner", logging.Error(rerr))
		}
		return fmt.Errorf("failed to reset projection: %w", err)
	}
	if err := c.ctl.Resume(ctx, name); err != nil {
		return fmt.Errorf("failed to resume runner: %w", err)
	}

	c.update(name, func(st *Status) { st.State = StateReplaying })
	return c.waitFor(ctx, name, head)
}

func (c *Coordinator) waitFor(ctx context.Context, name string, target int64) error {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		pos, err := c.ctl.Position(ctx, name)
		if err != nil {
			return err
		}
		if pos >= target {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("replay interrupted at %d of %d: %w", pos, target, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) announce(ctx context.Context, name string) {
	if c.publisher == nil {
		return
	}
	st := c.State(name)
	msg := messaging.NewMessage(messaging.ProjectionRebuiltSubject(name), []byte(name),
		messaging.WithPosition(st.Target))
	if err := c.publisher.Publish(ctx, msg); err != nil {
		c.logger.WarnContext(ctx, "failed to announce rebuild", logging.Error(err))
	}
}
