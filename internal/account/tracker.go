package account

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/trustsync/internal/metrics"
	"github.com/roach88/trustsync/internal/trusterr"
)

// DefaultRetryDelay is how long a transient cloud status failure waits
// before the background retry.
const DefaultRetryDelay = 5 * time.Second

// DefaultFetchTimeout bounds a single out-of-band cloud status query.
const DefaultFetchTimeout = 30 * time.Second

// CloudStatusFetcher queries the cloud account status on demand.
//
// Transient failures must be retryable per trusterr.Retryable. A definitive
// "no cloud account" answer is returned either as CloudNoAccount or as an
// error with code NO_ACCOUNT.
type CloudStatusFetcher interface {
	FetchCloudStatus(ctx context.Context) (CloudStatus, error)
}

// CloudStatusFetcherFunc adapts a function to CloudStatusFetcher.
type CloudStatusFetcherFunc func(ctx context.Context) (CloudStatus, error)

// FetchCloudStatus calls f.
func (f CloudStatusFetcherFunc) FetchCloudStatus(ctx context.Context) (CloudStatus, error) {
	return f(ctx)
}

// Tracker memoizes account signals and coordinates cloud status rechecks.
//
// Thread-safety: all methods are safe for concurrent use. Change listeners
// run synchronously, in the order the changes were applied, and must not
// call back into the Tracker's update methods.
type Tracker struct {
	mu        sync.Mutex
	sig       Signal
	fetcher   CloudStatusFetcher
	listeners []func(Signal)

	// At most one recheck runs at a time; every waiter shares it.
	inflight *recheck

	// At most one retry timer is outstanding. timerGen discards callbacks
	// from timers that were stopped after they had already fired.
	retryTimer *time.Timer
	timerGen   uint64

	// stopped is set by Stop; no further rechecks start once it is.
	stopped bool

	retryDelay   time.Duration
	fetchTimeout time.Duration
	metrics      *metrics.Metrics
	logger       *slog.Logger

	// notifyMu serializes listener delivery so notifications are observed
	// in the same order as the state changes that produced them.
	notifyMu sync.Mutex
}

type recheck struct {
	done chan struct{}
	err  error
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithRetryDelay sets the delay before the background retry of a transient failure.
func WithRetryDelay(d time.Duration) Option {
	return func(t *Tracker) {
		t.retryDelay = d
	}
}

// WithFetchTimeout bounds each out-of-band status query.
func WithFetchTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		t.fetchTimeout = d
	}
}

// WithMetrics records recheck outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) {
		t.metrics = m
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = l
	}
}

// NewTracker creates a tracker with every signal absent and cloud status Unknown.
func NewTracker(fetcher CloudStatusFetcher, opts ...Option) *Tracker {
	t := &Tracker{
		fetcher:      fetcher,
		retryDelay:   DefaultRetryDelay,
		fetchTimeout: DefaultFetchTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnChange registers a listener invoked after every change to the signal.
func (t *Tracker) OnChange(fn func(Signal)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// Current returns the memoized signal.
func (t *Tracker) Current() Signal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sig
}

// RetryScheduled reports whether a background retry timer is outstanding.
func (t *Tracker) RetryScheduled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retryTimer != nil
}

// Stop cancels any pending background retry and prevents new rechecks.
// A recheck already in flight completes but does not reschedule.
// Signal updates are still recorded.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.stopTimerLocked()
}

// UpdateLocalAccount records local account presence.
// Returns true if the signal changed.
func (t *Tracker) UpdateLocalAccount(present bool, altDSID string, level SecurityLevel) bool {
	return t.update(func(s *Signal) {
		s.LocalAccountPresent = present
		s.AltDSID = altDSID
		s.SecurityLevel = level
		if !present {
			s.AltDSID = ""
			s.SecurityLevel = SecurityUnknown
		}
	})
}

// UpdateSecurityLevel records a security tier change for the current account.
func (t *Tracker) UpdateSecurityLevel(level SecurityLevel) bool {
	return t.update(func(s *Signal) {
		s.SecurityLevel = level
	})
}

// UpdateCloudStatus records a pushed cloud account status.
// A resolved status cancels any pending background retry.
func (t *Tracker) UpdateCloudStatus(status CloudStatus) bool {
	return t.update(func(s *Signal) {
		s.CloudStatus = status
		if status != CloudUnknown {
			t.stopTimerLocked()
		}
	})
}

// UpdateCDP records the CDP-enabled flag.
func (t *Tracker) UpdateCDP(enabled bool) bool {
	return t.update(func(s *Signal) {
		s.CDPEnabled = enabled
	})
}

// Reset clears every signal, as on sign-out.
func (t *Tracker) Reset() bool {
	return t.update(func(s *Signal) {
		*s = Signal{}
		t.stopTimerLocked()
	})
}

// RecheckAndWait makes sure the cloud status is resolved before returning.
//
// A known status (Available or NoAccount) is returned immediately: NoAccount
// is terminal until a new notification arrives. An Unknown status joins the
// in-flight recheck, starting one if needed. A pending background retry is
// pre-empted so the caller does not wait for the timer.
//
// If ctx expires first, the current signal is returned with
// ACCOUNT_STATE_UNKNOWN; the recheck itself keeps running.
func (t *Tracker) RecheckAndWait(ctx context.Context) (Signal, error) {
	t.mu.Lock()
	if t.sig.CloudStatus != CloudUnknown {
		s := t.sig
		t.mu.Unlock()
		return s, nil
	}
	if t.stopped {
		s := t.sig
		t.mu.Unlock()
		return s, trusterr.New(trusterr.CodeHalted, "cloud status tracking stopped")
	}
	rc := t.startRecheckLocked()
	t.mu.Unlock()

	select {
	case <-rc.done:
		return t.Current(), rc.err
	case <-ctx.Done():
		return t.Current(), trusterr.Wrap(trusterr.CodeAccountStateUnknown,
			"cloud account status not resolved", ctx.Err())
	}
}

// update applies fn under the lock and notifies listeners if the signal changed.
func (t *Tracker) update(fn func(*Signal)) bool {
	t.mu.Lock()
	before := t.sig
	fn(&t.sig)
	after := t.sig
	if before == after {
		t.mu.Unlock()
		return false
	}
	t.notifyLocked(after)
	return true
}

// notifyLocked hands delivery over to notifyMu and releases mu.
// Must be called with mu held.
func (t *Tracker) notifyLocked(sig Signal) {
	listeners := append([]func(Signal){}, t.listeners...)
	t.notifyMu.Lock()
	t.mu.Unlock()
	defer t.notifyMu.Unlock()

	for _, fn := range listeners {
		fn(sig)
	}
}

func (t *Tracker) startRecheckLocked() *recheck {
	if t.inflight != nil {
		return t.inflight
	}
	t.stopTimerLocked()

	rc := &recheck{done: make(chan struct{})}
	t.inflight = rc
	go t.runRecheck(rc)
	return rc
}

func (t *Tracker) runRecheck(rc *recheck) {
	ctx, cancel := context.WithTimeout(context.Background(), t.fetchTimeout)
	defer cancel()

	t.logger.Debug("querying cloud account status")
	status, err := t.fetcher.FetchCloudStatus(ctx)

	t.mu.Lock()
	t.inflight = nil
	before := t.sig

	switch {
	case err == nil:
		// A push that landed while the query was in flight is newer.
		if t.sig.CloudStatus == CloudUnknown {
			t.sig.CloudStatus = status
		}
		t.metrics.ObserveRecheck(status.String())
		t.logger.Info("cloud account status resolved", "status", status.String())

	case trusterr.Is(err, trusterr.CodeNoAccount):
		if t.sig.CloudStatus == CloudUnknown {
			t.sig.CloudStatus = CloudNoAccount
		}
		t.metrics.ObserveRecheck(CloudNoAccount.String())
		t.logger.Info("cloud account definitively absent")

	case trusterr.Retryable(err):
		rc.err = trusterr.Wrap(trusterr.CodeAccountStateUnknown, "cloud account status query failed", err)
		t.metrics.ObserveRecheck("transient")
		if t.sig.CloudStatus == CloudUnknown {
			t.scheduleRetryLocked()
		}
		t.logger.Warn("cloud account status query failed, retry scheduled",
			"error", err,
			"retry_delay", t.retryDelay,
		)

	default:
		rc.err = trusterr.Wrap(trusterr.CodeAccountStateUnknown, "cloud account status query failed", err)
		t.metrics.ObserveRecheck("error")
		t.logger.Error("cloud account status query failed", "error", err)
	}

	after := t.sig
	if before != after {
		t.notifyLocked(after)
	} else {
		t.mu.Unlock()
	}
	close(rc.done)
}

// scheduleRetryLocked arms the background retry unless one is already outstanding.
func (t *Tracker) scheduleRetryLocked() {
	if t.stopped || t.retryTimer != nil {
		return
	}
	t.timerGen++
	gen := t.timerGen
	t.retryTimer = time.AfterFunc(t.retryDelay, func() {
		t.retryFired(gen)
	})
}

func (t *Tracker) retryFired(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.timerGen || t.retryTimer == nil {
		return
	}
	t.retryTimer = nil
	if t.stopped || t.sig.CloudStatus != CloudUnknown || t.inflight != nil {
		return
	}
	t.logger.Debug("background cloud status retry firing")
	t.startRecheckLocked()
}

func (t *Tracker) stopTimerLocked() {
	if t.retryTimer == nil {
		return
	}
	t.retryTimer.Stop()
	t.retryTimer = nil
	t.timerGen++
}
