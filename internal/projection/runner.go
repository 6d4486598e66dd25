package projection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/telhawk-systems/projector/common/database"
	"github.com/telhawk-systems/projector/common/logging"
	"github.com/telhawk-systems/projector/internal/eventstore"
	"github.com/telhawk-systems/projector/internal/metrics"
	"github.com/telhawk-systems/projector/internal/tracking"
)

// Limiter bounds how many batches run at once across runners.
// *semaphore.Weighted satisfies it.
type Limiter interface {
	Acquire(ctx context.Context, n int64) error
	Release(n int64)
}

// Lease decides whether this process may run a projection right now.
type Lease interface {
	Acquire(ctx context.Context, name string) (bool, error)
	Release(ctx context.Context, name string) error
}

// Options tunes a Runner.
type Options struct {
	BatchSize    int
	PollInterval time.Duration
	RetryInitial time.Duration
	RetryMax     time.Duration
	Timeouts     database.Timeouts
	Limiter      Limiter
	Lease        Lease
	Logger       *logging.Logger
}

func (o *Options) setDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.RetryInitial <= 0 {
		o.RetryInitial = 200 * time.Millisecond
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
}

// Runner consumes the notification log for one projection.
type Runner[T any] struct {
	proj     Projection[T]
	name     string
	handlers *Registry[T]
	log      eventstore.NotificationLog
	db       TxRunner[T]
	rec      tracking.Recorder[T]
	opts     Options
	logger   *logging.Logger
	wake     chan struct{}

	mu      sync.RWMutex
	status  Status
	running bool
}

// NewRunner wires a projection to its inputs. db is the runner's lease on
// the connection arena; the runner never opens connections of its own.
func NewRunner[T any](p Projection[T], log eventstore.NotificationLog, db TxRunner[T], rec tracking.Recorder[T], opts Options) *Runner[T] {
	opts.setDefaults()
	name := p.Name()
	return &Runner[T]{
		proj:     p,
		name:     name,
		handlers: p.Handlers(),
		log:      log,
		db:       db,
		rec:      rec,
		opts:     opts,
		logger:   opts.Logger.With(logging.Projection(name)),
		wake:     make(chan struct{}, 1),
		status:   Status{Name: name, State: StateStopped},
	}
}

// Name returns the projection name.
func (r *Runner[T]) Name() string { return r.name }

// Wake asks the runner to check the log now. It never blocks; wake-ups
// that arrive while one is pending are merged.
func (r *Runner[T]) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Status returns a snapshot of the runner.
func (r *Runner[T]) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

func (r *Runner[T]) setState(s State) {
	r.mu.Lock()
	r.status.State = s
	r.mu.Unlock()
}

// Run processes batches until ctx is cancelled. Cancellation is honored
// between batches; a batch that has started runs to commit or rollback.
// Run returns nil after a cancellation, and ErrRunnerBusy if the runner
// is already running.
func (r *Runner[T]) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrRunnerBusy
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()
	defer r.setState(StateStopped)
	defer r.releaseLease()

	r.setState(StateIdle)
	r.logger.Info("projection runner started")

	for {
		if err := r.drain(ctx); err != nil && ctx.Err() == nil {
			return err
		}

		select {
		case <-ctx.Done():
			r.setState(StateStopping)
			r.logger.Info("projection runner stopping")
			return nil
		case <-r.wake:
		case <-ticker.C:
		}
	}
}

// drain runs batches back to back until the log is exhausted.
func (r *Runner[T]) drain(ctx context.Context) error {
	for ctx.Err() == nil {
		if !r.owned(ctx) {
			return nil
		}
		n, err := r.runWithRetry(ctx)
		if err != nil {
			return err
		}
		if n < r.opts.BatchSize {
			return nil
		}
	}
	return ctx.Err()
}

func (r *Runner[T]) owned(ctx context.Context) bool {
	if r.opts.Lease == nil {
		return true
	}
	ok, err := r.opts.Lease.Acquire(ctx, r.name)
	if err != nil {
		r.logger.WarnContext(ctx, "projection lease check failed", logging.Error(err))
		return false
	}
	return ok
}

func (r *Runner[T]) releaseLease() {
	if r.opts.Lease == nil {
		return
	}
	ctx, cancel := r.opts.Timeouts.QueryContext(context.Background())
	defer cancel()
	if err := r.opts.Lease.Release(ctx, r.name); err != nil {
		r.logger.Warn("failed to release projection lease", logging.Error(err))
	}
}

func (r *Runner[T]) runWithRetry(ctx context.Context) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.RetryInitial
	b.MaxInterval = r.opts.RetryMax
	b.MaxElapsedTime = 0

	var n int
	err := backoff.RetryNotify(func() error {
		var err error
		n, err = r.RunOnce(ctx)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		metrics.BatchRetries.WithLabelValues(r.name).Inc()
		if database.IsContention(err) {
			r.logger.DebugContext(ctx, "batch lost a lock race, retrying",
				logging.Error(err), "retry_in", wait.String())
			return
		}
		r.logger.WarnContext(ctx, "batch rolled back, retrying",
			logging.Error(err), "retry_in", wait.String())
	})
	return n, err
}

// RunOnce processes at most one batch and returns how many notifications it
// consumed. Handler failures other than permanent ones roll the whole batch
// back and leave the cursor where it was.
func (r *Runner[T]) RunOnce(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if l := r.opts.Limiter; l != nil {
		if err := l.Acquire(ctx, 1); err != nil {
			return 0, err
		}
		defer l.Release(1)
	}

	start := time.Now()
	bctx, cancel := r.opts.Timeouts.BatchContext(ctx)
	defer cancel()

	var (
		from, to int64
		consumed int
		skipped  int64
	)
	err := r.db.InTx(bctx, func(ctx context.Context, tx T) error {
		consumed, skipped = 0, 0
		r.setState(StateFetching)

		var err error
		from, err = r.rec.Load(ctx, tx, r.name)
		if err != nil {
			return err
		}
		to = from

		batch, err := r.log.GetNotifications(ctx, from, r.opts.BatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		r.setState(StateApplying)
		for _, n := range batch {
			h := r.handlers.Lookup(n.Type)
			if h == nil {
				continue
			}
			hctx := logging.WithAttrs(ctx,
				logging.Projection(r.name),
				logging.Position(n.GlobalPosition),
				logging.EventType(n.Type))
			err := r.db.Savepoint(hctx, tx, func(ctx context.Context, tx T) error {
				return h(ctx, tx, n)
			})
			if err == nil {
				continue
			}
			if !IsPermanent(err) {
				return fmt.Errorf("handler for %s at position %d: %w", n.Type, n.GlobalPosition, err)
			}
			skipped++
			r.logger.ErrorContext(ctx, "skipping notification after permanent handler error",
				logging.Position(n.GlobalPosition),
				logging.EventType(n.Type),
				logging.StreamID(n.StreamID),
				logging.TenantID(n.TenantID),
				logging.Error(err))
		}

		to = batch[len(batch)-1].GlobalPosition
		consumed = len(batch)
		return r.rec.Commit(ctx, tx, r.name, from, to)
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.State = StateIdle
	if err != nil {
		r.status.LastError = err.Error()
		return 0, err
	}
	r.status.LastError = ""
	r.status.Position = to
	if consumed > 0 {
		r.status.LastBatch = time.Now().UTC()
		r.status.Applied += int64(consumed) - skipped
		r.status.Skipped += skipped

		metrics.BatchDuration.WithLabelValues(r.name).Observe(time.Since(start).Seconds())
		metrics.NotificationsApplied.WithLabelValues(r.name).Add(float64(int64(consumed) - skipped))
		metrics.NotificationsSkipped.WithLabelValues(r.name).Add(float64(skipped))
		r.logger.DebugContext(ctx, "batch committed",
			logging.BatchSize(consumed), logging.Position(to),
			logging.Duration(time.Since(start).Milliseconds()))
	}
	metrics.Position.WithLabelValues(r.name).Set(float64(to))
	return consumed, nil
}

// Reset truncates the read model and moves the cursor to 0 in one
// transaction. The runner must not be running.
func (r *Runner[T]) Reset(ctx context.Context) error {
	r.mu.RLock()
	running := r.running
	r.mu.RUnlock()
	if running {
		return ErrRunnerBusy
	}
	err := r.db.InTx(ctx, func(ctx context.Context, tx T) error {
		if err := r.proj.Truncate(ctx, tx); err != nil {
			return fmt.Errorf("failed to truncate %s: %w", r.name, err)
		}
		return r.rec.Reset(ctx, tx, r.name)
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.status.Position = 0
	r.status.LastError = ""
	r.mu.Unlock()
	metrics.Position.WithLabelValues(r.name).Set(0)
	return nil
}

// ErrRunnerBusy is returned when an operation needs a stopped runner.
var ErrRunnerBusy = errors.New("projection runner is running")
