package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/roach88/trustsync/internal/account"
	"github.com/roach88/trustsync/internal/cuttlefish"
	"github.com/roach88/trustsync/internal/metrics"
	"github.com/roach88/trustsync/internal/octagon"
	"github.com/roach88/trustsync/internal/store"
	"github.com/roach88/trustsync/internal/testutil"
	"github.com/roach88/trustsync/internal/trusterr"
)

// Container is the default container simulated contexts live in.
const Container = "com.apple.security.keychain"

const (
	stepTimeout      = 5 * time.Second
	maxSettleRounds  = 10
	simulatedVersion = "18.0"
)

// Option configures a run.
type Option func(*runConfig)

type runConfig struct {
	container   string
	logger      *slog.Logger
	metrics     *metrics.Metrics
	contextOpts []octagon.Option
	retryOpts   []cuttlefish.RetryOption
	retrying    bool
}

// WithContainer places every simulated context in container.
func WithContainer(container string) Option {
	return func(c *runConfig) { c.container = container }
}

// WithLogger routes engine logs to l. Runs are silent by default.
func WithLogger(l *slog.Logger) Option {
	return func(c *runConfig) { c.logger = l }
}

// WithMetrics records engine metrics for the run.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *runConfig) { c.metrics = m }
}

// WithContextOptions applies opts to every simulated context after the
// harness defaults.
func WithContextOptions(opts ...octagon.Option) Option {
	return func(c *runConfig) { c.contextOpts = append(c.contextOpts, opts...) }
}

// WithBackendRetries routes context calls through a retrying backend.
// Injected transient failures are then absorbed instead of surfacing.
func WithBackendRetries(opts ...cuttlefish.RetryOption) Option {
	return func(c *runConfig) {
		c.retrying = true
		c.retryOpts = append(c.retryOpts, opts...)
	}
}

// harness is one scenario execution.
type harness struct {
	backend *cuttlefish.Memory
	// calls is the backend contexts talk to: backend itself, or a
	// retrying wrapper around it.
	calls       cuttlefish.Backend
	container   string
	contextOpts []octagon.Option
	manager     *octagon.Manager
	ids         *testutil.SequenceIDs
	metrics     *metrics.Metrics
	logger      *slog.Logger

	devices map[string]*device
	order   []*device

	// notifications counts backend change notifications so settle can
	// tell when the devices have stopped reacting to each other.
	notifications atomic.Int64
}

// device is one simulated device: a trust context with its own database,
// keychain and account inputs.
type device struct {
	name     string
	key      cuttlefish.ContextKey
	store    *store.Store
	keys     *store.Keychain
	accounts *simAccounts
	cloud    *simCloud
	ctx      *octagon.Context

	// last is the state most recently written to the trace.
	last octagon.State
}

// argError marks a malformed step argument. It aborts the run instead of
// becoming a step outcome.
type argError struct {
	err error
}

func (e *argError) Error() string { return e.err.Error() }
func (e *argError) Unwrap() error { return e.err }

// Run executes a scenario and returns the result.
//
// Every run gets a fresh backend and fresh in-memory databases. Peer IDs
// come from a sequence ("peer-1", "peer-2", ...) in the order devices
// establish or join, so traces are reproducible.
//
// Execution flow:
//  1. Create the devices, none of them started
//  2. Run each flow step, then wait for every device to settle
//  3. Record each device whose state changed, in declaration order
//  4. Check the step's expect clause
//  5. Evaluate the assertions
//
// A returned error means the scenario could not be executed at all;
// failed expectations are reported in the Result.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	cfg := runConfig{
		container: Container,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.metrics == nil {
		cfg.metrics = metrics.New(nil)
	}

	h := &harness{
		backend: cuttlefish.NewMemory(cuttlefish.WithMemoryLogger(cfg.logger)),
		ids:     testutil.NewSequenceIDs("peer"),
		metrics: cfg.metrics,
		logger:  cfg.logger,
		devices: make(map[string]*device, len(scenario.Devices)),

		container:   cfg.container,
		contextOpts: cfg.contextOpts,
	}
	h.calls = h.backend
	if cfg.retrying {
		retryOpts := append([]cuttlefish.RetryOption{cuttlefish.WithRetryLogger(cfg.logger)}, cfg.retryOpts...)
		h.calls = cuttlefish.NewRetrying(h.backend, retryOpts...)
	}
	h.manager = octagon.NewManager(octagon.Deps{})
	h.backend.Subscribe(func(string) { h.notifications.Add(1) })
	h.backend.Subscribe(h.manager.NotifyPeerListChanged)
	defer h.close()

	for _, spec := range scenario.Devices {
		if err := h.addDevice(spec); err != nil {
			return nil, fmt.Errorf("device %s: %w", spec.Name, err)
		}
	}

	result := NewResult()
	for i, step := range scenario.Flow {
		if err := h.runStep(i, step, result); err != nil {
			return nil, fmt.Errorf("flow step %d (%s on %s): %w", i, step.Action, step.Device, err)
		}
	}

	actx := &AssertionContext{
		Ctx:      context.Background(),
		Stores:   make(map[string]*store.Store, len(h.order)),
		Statuses: make(map[string]map[string]interface{}, len(h.order)),
	}
	for _, d := range h.order {
		actx.Stores[d.name] = d.store
		actx.Statuses[d.name] = statusResult(d.ctx.Status())
		result.States[d.name] = string(d.ctx.State())
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *harness) addDevice(spec DeviceSpec) error {
	level := account.SecurityHSA2
	if spec.SecurityLevel != "" {
		l, err := account.ParseSecurityLevel(spec.SecurityLevel)
		if err != nil {
			return err
		}
		level = l
	}
	cloud := account.CloudAvailable
	if spec.CloudStatus != "" {
		s, err := account.ParseCloudStatus(spec.CloudStatus)
		if err != nil {
			return err
		}
		cloud = s
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return fmt.Errorf("failed to create in-memory store: %w", err)
	}
	d := &device{
		name:     spec.Name,
		key:      cuttlefish.ContextKey{Container: h.container, Context: spec.Name},
		store:    st,
		keys:     store.NewKeychain(st),
		accounts: newSimAccounts(spec.AltDSID, level),
		cloud:    &simCloud{status: cloud},
		last:     octagon.StateNotStarted,
	}
	h.devices[d.name] = d
	h.order = append(h.order, d)
	return h.bringUp(d)
}

// bringUp creates d's context over its durable state and registers it.
func (h *harness) bringUp(d *device) error {
	opts := []octagon.Option{
		octagon.WithIDGenerator(h.ids),
		octagon.WithMetrics(h.metrics),
		octagon.WithLogger(h.logger.With("device", d.name)),
		octagon.WithDevice(d.name, simulatedVersion),
		octagon.WithRecheckRetryDelay(time.Hour),
		octagon.WithTimeoutWaitForCKAccount(time.Second),
		octagon.WithOperationTimeout(stepTimeout),
	}
	d.ctx = octagon.NewContext(d.key, octagon.Deps{
		Backend:     h.calls,
		Metadata:    d.store,
		Keys:        d.keys,
		Accounts:    d.accounts,
		CloudStatus: d.cloud,
	}, append(opts, h.contextOpts...)...)
	return h.manager.Add(d.ctx)
}

func (h *harness) close() {
	h.manager.Halt()
	for _, d := range h.order {
		d.store.Close()
	}
}

func (h *harness) runStep(index int, step FlowStep, result *Result) error {
	d := h.devices[step.Device]
	if d == nil {
		return fmt.Errorf("unknown device %q", step.Device)
	}

	ctx, cancel := context.WithTimeout(context.Background(), stepTimeout)
	defer cancel()

	out, stepErr := h.execute(ctx, d, step)
	var ae *argError
	if errors.As(stepErr, &ae) {
		return ae
	}
	outcome := outcomeOf(stepErr)
	out = normalize(out)
	result.AddStepTrace(d.name, step.Action, step.Args, outcome, out)

	h.logger.Info("flow step completed",
		"step", index,
		"device", d.name,
		"action", step.Action,
		"outcome", outcome,
	)

	if err := h.settle(ctx); err != nil {
		return err
	}
	for _, other := range h.order {
		now := other.ctx.State()
		if now != other.last {
			result.AddTransitionTrace(other.name, string(other.last), string(now))
			other.last = now
		}
	}

	checkExpect(index, step, d, stepErr, outcome, out, result)
	return nil
}

// settle waits until every device has drained its queue and no backend
// notification arrived while doing so.
func (h *harness) settle(ctx context.Context) error {
	for round := 0; round < maxSettleRounds; round++ {
		before := h.notifications.Load()
		for _, d := range h.order {
			if err := d.ctx.Sync(ctx); err != nil {
				return fmt.Errorf("settle %s: %w", d.name, err)
			}
		}
		if h.notifications.Load() == before {
			return nil
		}
	}
	return fmt.Errorf("devices did not settle after %d rounds", maxSettleRounds)
}

func checkExpect(index int, step FlowStep, d *device, stepErr error, outcome string, out interface{}, result *Result) {
	prefix := fmt.Sprintf("flow[%d] %s on %s", index, step.Action, step.Device)
	exp := step.Expect
	if exp == nil {
		exp = &ExpectClause{}
	}

	switch {
	case exp.Error == "" && stepErr != nil:
		result.AddError(fmt.Sprintf("%s: unexpected error: %v", prefix, stepErr))
	case exp.Error != "" && outcome != exp.Error:
		result.AddError(fmt.Sprintf("%s: expected error %s, got %s", prefix, exp.Error, outcome))
	}

	if exp.State != "" {
		if got := string(d.ctx.State()); got != exp.State {
			result.AddError(fmt.Sprintf("%s: expected state %s, got %s", prefix, exp.State, got))
		}
	}

	if exp.Result != nil {
		want, _ := normalize(exp.Result).(map[string]interface{})
		if !matchArgs(out, want) {
			result.AddError(fmt.Sprintf("%s: expected result %v, got %v", prefix, want, out))
		}
	}
}

// outcomeOf names a step's outcome for the trace.
func outcomeOf(err error) string {
	if err == nil {
		return OutcomeOK
	}
	if code := trusterr.CodeOf(err); code != "" {
		return string(code)
	}
	return OutcomeError
}

// normalize converts v to the shapes encoding/json decodes into, so that
// step results and YAML expectations compare with reflect.DeepEqual.
func normalize(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Sprintf("%v", v)
	}
	return out
}
