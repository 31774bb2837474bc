// Package blackbox durably records diagnostic trouble codes without ever
// blocking the code that raises them.
package blackbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ecu-sentinel/ecu"

	gometrics "github.com/rcrowley/go-metrics"
)

const (
	DefaultMaxAttempts    = 5
	DefaultInitialBackoff = 50 * time.Millisecond
	DefaultMaxBackoff     = 2 * time.Second
	DefaultAttemptTimeout = 5 * time.Second
)

var ErrClosed = errors.New("blackbox is closed")

type Config struct {
	// MaxAttempts bounds how often one entry is tried before it becomes a
	// dead letter.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
	// BootID is stamped on every row written by this process.
	BootID string
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:    DefaultMaxAttempts,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		AttemptTimeout: DefaultAttemptTimeout,
	}
}

// FailureFunc observes entries that could not be persisted after all
// attempts.
type FailureFunc func(e Entry, err error)

// Stats is a point-in-time view of the writer.
type Stats struct {
	Enqueued    int64
	Persisted   int64
	Retries     int64
	DeadLetters int64
	Pending     int
}

// Blackbox sequences trouble codes in arrival order and persists them from
// a single background writer with bounded exponential backoff.
type Blackbox struct {
	cfg       Config
	store     Store
	logger    ecu.Logger
	onFailure FailureFunc

	mu      sync.Mutex
	queue   []Entry
	dead    []Entry
	nextSeq uint64
	closed  bool

	wake    chan struct{}
	stop    chan struct{}
	stopped chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	enqueued    gometrics.Counter
	persisted   gometrics.Counter
	retries     gometrics.Counter
	deadLetters gometrics.Counter
	depth       gometrics.Gauge
}

type Option func(*Blackbox)

func WithFailureFunc(fn FailureFunc) Option {
	return func(b *Blackbox) { b.onFailure = fn }
}

func WithRegistry(r gometrics.Registry) Option {
	return func(b *Blackbox) {
		b.enqueued = gometrics.GetOrRegisterCounter("blackbox.enqueued", r)
		b.persisted = gometrics.GetOrRegisterCounter("blackbox.persisted", r)
		b.retries = gometrics.GetOrRegisterCounter("blackbox.retries", r)
		b.deadLetters = gometrics.GetOrRegisterCounter("blackbox.dead_letters", r)
		b.depth = gometrics.GetOrRegisterGauge("blackbox.queue_depth", r)
	}
}

// New resumes sequencing after the highest seq already in store and starts
// the writer goroutine.
func New(ctx context.Context, store Store, logger ecu.Logger, cfg Config, opts ...Option) (*Blackbox, error) {
	if store == nil {
		return nil, fmt.Errorf("blackbox store is required")
	}
	if logger == nil {
		logger = ecu.NopLogger{}
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}

	last, err := store.MaxSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read blackbox sequence: %w", err)
	}

	b := &Blackbox{
		cfg:     cfg,
		store:   store,
		logger:  logger,
		nextSeq: last + 1,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	WithRegistry(gometrics.NewRegistry())(b)
	for _, opt := range opts {
		opt(b)
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())

	go b.run()

	logger.Info("Blackbox ready, next sequence %d", b.nextSeq)
	return b, nil
}

// Append queues dtc for persistence and returns its sequence number. It
// never waits for storage.
func (b *Blackbox) Append(dtc ecu.DTC) (uint64, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, ErrClosed
	}
	e := NewEntry(dtc, b.cfg.BootID)
	e.Seq = b.nextSeq
	b.nextSeq++
	b.queue = append(b.queue, e)
	b.depth.Update(int64(len(b.queue)))
	b.mu.Unlock()

	b.enqueued.Inc(1)
	select {
	case b.wake <- struct{}{}:
	default:
	}
	return e.Seq, nil
}

// Enqueue is Append for callers that cannot act on the result; it lets the
// blackbox act as a state.DTCSink.
func (b *Blackbox) Enqueue(dtc ecu.DTC) {
	if _, err := b.Append(dtc); err != nil {
		b.logger.Error("Dropping DTC %s from %s: %v", dtc.Code, dtc.ECUID, err)
	}
}

func (b *Blackbox) run() {
	defer close(b.stopped)

	for {
		select {
		case <-b.wake:
			b.flush()
		case <-b.stop:
			b.flush()
			return
		}
	}
}

// flush persists queued entries in order until the queue is empty.
func (b *Blackbox) flush() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		e := b.queue[0]
		b.mu.Unlock()

		if err := b.persist(e); err != nil {
			b.mu.Lock()
			b.dead = append(b.dead, e)
			b.mu.Unlock()
			b.deadLetters.Inc(1)
			b.logger.Error("Blackbox gave up on seq %d (%s from %s) after %d attempts: %v",
				e.Seq, e.Code, e.ECUID, b.cfg.MaxAttempts, err)
			if b.onFailure != nil {
				b.onFailure(e, err)
			}
		}

		b.mu.Lock()
		b.queue = b.queue[1:]
		b.depth.Update(int64(len(b.queue)))
		b.mu.Unlock()

		if b.ctx.Err() != nil {
			return
		}
	}
}

// persist tries one entry up to MaxAttempts times.
func (b *Blackbox) persist(e Entry) error {
	backoff := b.cfg.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= b.cfg.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(b.ctx, b.cfg.AttemptTimeout)
		err := b.store.Append(ctx, e)
		cancel()
		if err == nil {
			b.persisted.Inc(1)
			if attempt > 1 {
				b.logger.Info("Blackbox persisted seq %d on attempt %d", e.Seq, attempt)
			}
			return nil
		}
		lastErr = err

		if attempt == b.cfg.MaxAttempts {
			break
		}
		b.retries.Inc(1)
		b.logger.Warn("Blackbox append of seq %d failed (attempt %d/%d), retrying in %v: %v",
			e.Seq, attempt, b.cfg.MaxAttempts, backoff, err)

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-b.ctx.Done():
			timer.Stop()
			return fmt.Errorf("aborted during retry: %w", lastErr)
		}

		backoff *= 2
		if backoff > b.cfg.MaxBackoff {
			backoff = b.cfg.MaxBackoff
		}
	}

	return lastErr
}

// Close stops intake, waits for the queue to drain, retries dead letters
// once and closes the store. If ctx expires first the remaining entries are
// abandoned and reported.
func (b *Blackbox) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.closed = true
	b.mu.Unlock()

	close(b.stop)

	var result error
	select {
	case <-b.stopped:
	case <-ctx.Done():
		b.cancel()
		<-b.stopped
		result = fmt.Errorf("blackbox drain interrupted: %w", ctx.Err())
	}

	if result == nil {
		b.retryDeadLetters()
	}
	b.cancel()

	b.mu.Lock()
	lost := len(b.queue) + len(b.dead)
	b.mu.Unlock()
	if lost > 0 {
		b.logger.Error("Blackbox closing with %d unpersisted entries", lost)
		if result == nil {
			result = fmt.Errorf("%d blackbox entries were not persisted", lost)
		}
	}

	if err := b.store.Close(); err != nil && result == nil {
		result = fmt.Errorf("failed to close blackbox store: %w", err)
	}
	return result
}

func (b *Blackbox) retryDeadLetters() {
	b.mu.Lock()
	dead := b.dead
	b.dead = nil
	b.mu.Unlock()

	for _, e := range dead {
		ctx, cancel := context.WithTimeout(b.ctx, b.cfg.AttemptTimeout)
		err := b.store.Append(ctx, e)
		cancel()
		if err != nil {
			b.mu.Lock()
			b.dead = append(b.dead, e)
			b.mu.Unlock()
			continue
		}
		b.persisted.Inc(1)
		b.logger.Info("Blackbox recovered dead letter seq %d", e.Seq)
	}
}

// DeadLetters returns the entries that exhausted their attempts.
func (b *Blackbox) DeadLetters() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, len(b.dead))
	copy(out, b.dead)
	return out
}

func (b *Blackbox) Stats() Stats {
	b.mu.Lock()
	pending := len(b.queue)
	b.mu.Unlock()
	return Stats{
		Enqueued:    b.enqueued.Count(),
		Persisted:   b.persisted.Count(),
		Retries:     b.retries.Count(),
		DeadLetters: b.deadLetters.Count(),
		Pending:     pending,
	}
}

// Query reads persisted rows.
func (b *Blackbox) Query(ctx context.Context, f Filter) ([]Entry, error) {
	return b.store.Query(ctx, f)
}

func (b *Blackbox) Count(ctx context.Context) (int, error) {
	return b.store.Count(ctx)
}
