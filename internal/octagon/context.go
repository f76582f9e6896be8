// Package octagon is the trust state machine.
//
// A Context owns the trust decision for one (container, context) pair. All
// of its mutable state is touched only by a single loop goroutine, which
// runs operations from an unbounded FIFO queue one at a time. RPCs enqueue
// an operation and wait for its result off-queue; account and cloud
// notifications enqueue a re-evaluation. After every operation the loop
// publishes a Status snapshot that callers can read without queueing.
package octagon

import (
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/trustsync/internal/account"
	"github.com/roach88/trustsync/internal/cuttlefish"
	"github.com/roach88/trustsync/internal/escrow"
	"github.com/roach88/trustsync/internal/metrics"
	"github.com/roach88/trustsync/internal/peers"
	"github.com/roach88/trustsync/internal/store"
	"github.com/roach88/trustsync/internal/trusterr"
)

// Defaults for the timeouts a Context applies.
const (
	DefaultOperationTimeout        = 60 * time.Second
	DefaultTimeoutWaitForCKAccount = 10 * time.Second
)

// Deps are the external collaborators of a Context.
type Deps struct {
	Backend     cuttlefish.Backend
	Metadata    MetadataStore
	Keys        KeyCustody
	Accounts    AccountSource
	CloudStatus account.CloudStatusFetcher
}

// Status is the published view of a context, readable without queueing.
type Status struct {
	Key           cuttlefish.ContextKey
	State         State
	Trust         store.TrustState
	PeerID        string
	CloudStatus   account.CloudStatus
	CDPEnabled    bool
	AttemptedJoin store.AttemptedJoin
	Included      []string
	Excluded      []string
	TrustedBy     []string
}

// StatusConfig controls TrustStatus.
type StatusConfig struct {
	// UseCachedAccountStatus skips the cloud status recheck.
	UseCachedAccountStatus bool
	// TimeoutWaitForCKAccount bounds the recheck. Zero uses the context default.
	TimeoutWaitForCKAccount time.Duration
}

// Context is the trust state machine for one context.
//
// Thread-safety: every exported method is safe for concurrent use.
type Context struct {
	key      cuttlefish.ContextKey
	backend  cuttlefish.Backend
	metadata MetadataStore
	keys     KeyCustody
	accounts AccountSource
	tracker  *account.Tracker
	cache    *escrow.Cache

	ids        IDGenerator
	entropy    io.Reader
	metrics    *metrics.Metrics
	logger     *slog.Logger
	deviceName string
	osVersion  string

	operationTimeout time.Duration
	ckTimeout        time.Duration

	queue *opQueue
	done  chan struct{}

	// Loop-owned state.
	started bool
	state   State
	meta    store.AccountMetadata
	view    *peers.View

	mu        sync.Mutex
	published Status
	waiters   map[State][]chan struct{}
}

type options struct {
	ids              IDGenerator
	entropy          io.Reader
	metrics          *metrics.Metrics
	logger           *slog.Logger
	deviceName       string
	osVersion        string
	operationTimeout time.Duration
	ckTimeout        time.Duration
	escrowTTL        time.Duration
	recheckDelay     time.Duration
	now              func() time.Time
}

// Option configures a Context.
type Option func(*options)

// WithIDGenerator sets the source of new peer IDs. Defaults to UUIDv7.
func WithIDGenerator(g IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// WithEntropy sets the randomness used for key generation.
func WithEntropy(r io.Reader) Option {
	return func(o *options) { o.entropy = r }
}

// WithMetrics records transitions, operations and cache reads.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithDevice sets the stable info published for this device.
func WithDevice(name, osVersion string) Option {
	return func(o *options) {
		o.deviceName = name
		o.osVersion = osVersion
	}
}

// WithOperationTimeout bounds each queued operation.
func WithOperationTimeout(d time.Duration) Option {
	return func(o *options) { o.operationTimeout = d }
}

// WithTimeoutWaitForCKAccount bounds the cloud status recheck RPCs perform
// while the status is unknown.
func WithTimeoutWaitForCKAccount(d time.Duration) Option {
	return func(o *options) { o.ckTimeout = d }
}

// WithEscrowTTL sets the escrow cache TTL.
func WithEscrowTTL(d time.Duration) Option {
	return func(o *options) { o.escrowTTL = d }
}

// WithRecheckRetryDelay sets the delay before a background cloud status retry.
func WithRecheckRetryDelay(d time.Duration) Option {
	return func(o *options) { o.recheckDelay = d }
}

// WithClock sets the wall clock used by the escrow cache.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// NewContext creates a context in NotStarted and starts its loop.
// Call Start to load metadata and begin evaluating, and Halt to stop.
func NewContext(key cuttlefish.ContextKey, deps Deps, opts ...Option) *Context {
	o := options{
		ids:              UUIDv7Generator{},
		entropy:          rand.Reader,
		logger:           slog.Default(),
		operationTimeout: DefaultOperationTimeout,
		ckTimeout:        DefaultTimeoutWaitForCKAccount,
		escrowTTL:        escrow.DefaultTTL,
		recheckDelay:     account.DefaultRetryDelay,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With("container", key.Container, "context", key.Context)

	c := &Context{
		key:              key,
		backend:          deps.Backend,
		metadata:         deps.Metadata,
		keys:             deps.Keys,
		accounts:         deps.Accounts,
		ids:              o.ids,
		entropy:          o.entropy,
		metrics:          o.metrics,
		logger:           logger,
		deviceName:       o.deviceName,
		osVersion:        o.osVersion,
		operationTimeout: o.operationTimeout,
		ckTimeout:        o.ckTimeout,
		queue:            newOpQueue(),
		done:             make(chan struct{}),
		state:            StateNotStarted,
		waiters:          make(map[State][]chan struct{}),
	}
	c.tracker = account.NewTracker(deps.CloudStatus,
		account.WithRetryDelay(o.recheckDelay),
		account.WithMetrics(o.metrics),
		account.WithLogger(logger),
	)
	c.cache = escrow.NewCache(
		escrow.FetcherFunc(func(ctx context.Context) ([]escrow.Record, error) {
			return c.backend.FetchViableBottles(ctx, c.key)
		}),
		escrow.WithTTL(o.escrowTTL),
		escrow.WithClock(o.now),
		escrow.WithMetrics(o.metrics),
		escrow.WithLogger(logger),
	)
	c.tracker.OnChange(func(account.Signal) {
		c.enqueue("signal_changed", c.evaluate)
	})
	c.published = Status{Key: key, State: StateNotStarted}

	go c.run()
	return c
}

// Key returns the context's key.
func (c *Context) Key() cuttlefish.ContextKey { return c.key }

// Tracker exposes the context's account signal tracker.
func (c *Context) Tracker() *account.Tracker { return c.tracker }

// Status returns the last published status.
func (c *Context) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.published
}

// State returns the current FSM state.
func (c *Context) State() State {
	return c.Status().State
}

// TrustState returns the memoized trust state.
func (c *Context) TrustState() store.TrustState {
	return c.Status().Trust
}

// WaitForState blocks until the context publishes state or ctx expires.
func (c *Context) WaitForState(ctx context.Context, state State) error {
	c.mu.Lock()
	if c.published.State == state {
		c.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	c.waiters[state] = append(c.waiters[state], ch)
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-c.done:
		if c.State() == state {
			return nil
		}
		return trusterr.Newf(trusterr.CodeHalted, "context %s halted before reaching %s", c.key, state)
	case <-ctx.Done():
		return trusterr.Wrap(trusterr.CodeTimeout, "wait for state "+string(state), ctx.Err())
	}
}

// Sync waits until every operation queued before it has run.
func (c *Context) Sync(ctx context.Context) error {
	return c.do(ctx, "sync", func(context.Context) error { return nil })
}

// Halt stops accepting work, drains the queue and waits for the loop to
// exit. Background cloud status retries stop with it.
func (c *Context) Halt() {
	c.queue.Close()
	<-c.done
	c.tracker.Stop()
	c.logger.Info("context halted", "state", c.State())
}

// do runs fn on the loop and waits for its result.
// If ctx expires first the operation still runs; the caller gets TIMEOUT.
func (c *Context) do(ctx context.Context, name string, fn func(context.Context) error) error {
	op := c.newOperation(name, fn)
	if !c.queue.Enqueue(op) {
		return trusterr.Newf(trusterr.CodeHalted, "%s: context %s halted", name, c.key)
	}
	select {
	case err := <-op.done:
		return err
	case <-ctx.Done():
		return trusterr.Wrap(trusterr.CodeTimeout, name+" did not complete", ctx.Err())
	}
}

// enqueue schedules fn without waiting for it.
func (c *Context) enqueue(name string, fn func(context.Context) error) bool {
	return c.queue.Enqueue(c.newOperation(name, fn))
}

func (c *Context) newOperation(name string, fn func(context.Context) error) *operation {
	return &operation{
		name: name,
		id:   UUIDv7Generator{}.Generate(),
		fn:   fn,
		done: make(chan error, 1),
	}
}

// run is the single-writer loop.
func (c *Context) run() {
	defer close(c.done)
	c.logger.Debug("context loop starting")

	for {
		if op, ok := c.queue.TryDequeue(); ok {
			c.execute(op)
			continue
		}
		<-c.queue.Wait()
		if c.queue.Drained() {
			c.logger.Debug("context loop stopping: queue closed")
			return
		}
	}
}

func (c *Context) execute(op *operation) {
	ctx, cancel := context.WithTimeout(context.Background(), c.operationTimeout)
	defer cancel()

	c.logger.Debug("running operation", "operation", op.name, "op_id", op.id, "state", c.state)
	err := op.fn(ctx)
	if err != nil {
		c.logger.Debug("operation failed",
			"operation", op.name,
			"op_id", op.id,
			"error", err,
		)
	}
	c.metrics.ObserveOperation(op.name, err)
	c.publish()
	op.done <- err
}

// publish snapshots loop state for off-queue readers and wakes waiters.
func (c *Context) publish() {
	sig := c.tracker.Current()
	st := Status{
		Key:           c.key,
		State:         c.state,
		Trust:         c.state.Trust(),
		PeerID:        c.meta.PeerID,
		CloudStatus:   sig.CloudStatus,
		CDPEnabled:    sig.CDPEnabled,
		AttemptedJoin: c.meta.AttemptedJoin,
		Included:      []string{},
		Excluded:      []string{},
		TrustedBy:     []string{},
	}
	if c.view != nil {
		st.Included = c.view.Included()
		st.Excluded = c.view.Excluded()
		st.TrustedBy = c.view.TrustedBy()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = st
	for _, ch := range c.waiters[st.State] {
		close(ch)
	}
	delete(c.waiters, st.State)
}
