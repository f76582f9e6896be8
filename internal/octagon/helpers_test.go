package octagon

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/trustsync/internal/account"
	"github.com/roach88/trustsync/internal/cuttlefish"
	"github.com/roach88/trustsync/internal/metrics"
	"github.com/roach88/trustsync/internal/store"
	tu "github.com/roach88/trustsync/internal/testutil"
	"github.com/roach88/trustsync/internal/trusterr"
)

const container = "com.apple.security.keychain"

// fakeAccounts is a scripted AccountSource.
type fakeAccounts struct {
	mu      sync.Mutex
	altDSID string
	levels  map[string]account.SecurityLevel
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{levels: make(map[string]account.SecurityLevel)}
}

func (f *fakeAccounts) set(altDSID string, level account.SecurityLevel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.altDSID = altDSID
	if altDSID != "" {
		f.levels[altDSID] = level
	}
}

func (f *fakeAccounts) PrimaryAltDSID(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.altDSID == "" {
		return "", trusterr.New(trusterr.CodeNoPrimaryAccount, "no primary account")
	}
	return f.altDSID, nil
}

func (f *fakeAccounts) SecurityLevel(ctx context.Context, altDSID string) (account.SecurityLevel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.levels[altDSID], nil
}

// fakeCloud answers cloud status queries. A non-nil gate blocks each query
// until it is closed.
type fakeCloud struct {
	mu     sync.Mutex
	status account.CloudStatus
	err    error
	gate   chan struct{}
	calls  atomic.Int32
}

func (f *fakeCloud) set(status account.CloudStatus, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status, f.err = status, err
}

func (f *fakeCloud) FetchCloudStatus(ctx context.Context) (account.CloudStatus, error) {
	f.calls.Add(1)
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return account.CloudUnknown, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.err
}

// world is a simulated account: one backend and one device database shared
// by any number of devices.
type world struct {
	t       *testing.T
	store   *store.Store
	keys    *store.Keychain
	backend *cuttlefish.Memory
	ids     *tu.SequenceIDs
	metrics *metrics.Metrics
	manager *Manager
}

// device is one trust context and its account inputs.
type device struct {
	*Context
	accounts *fakeAccounts
	cloud    *fakeCloud
}

func newWorld(t *testing.T) *world {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)

	w := &world{
		t:       t,
		store:   s,
		keys:    store.NewKeychain(s),
		backend: cuttlefish.NewMemory(),
		ids:     tu.NewSequenceIDs("peer"),
		metrics: metrics.New(nil),
	}
	w.manager = NewManager(Deps{})
	w.backend.Subscribe(w.manager.NotifyPeerListChanged)

	t.Cleanup(func() {
		w.manager.Halt()
		s.Close()
	})
	return w
}

// newDevice creates a context named name and registers it with the manager.
func (w *world) newDevice(name string, opts ...Option) *device {
	w.t.Helper()
	key := cuttlefish.ContextKey{Container: container, Context: name}
	return w.newDeviceAt(key, newFakeAccounts(), &fakeCloud{status: account.CloudAvailable}, opts...)
}

func (w *world) newDeviceAt(key cuttlefish.ContextKey, accounts *fakeAccounts, cloud *fakeCloud, opts ...Option) *device {
	w.t.Helper()
	base := []Option{
		WithIDGenerator(w.ids),
		WithMetrics(w.metrics),
		WithDevice(key.Context, "18.0"),
		WithRecheckRetryDelay(time.Hour),
		WithTimeoutWaitForCKAccount(time.Second),
	}
	c := NewContext(key, Deps{
		Backend:     w.backend,
		Metadata:    w.store,
		Keys:        w.keys,
		Accounts:    accounts,
		CloudStatus: cloud,
	}, append(base, opts...)...)
	require.NoError(w.t, w.manager.Add(c))
	return &device{Context: c, accounts: accounts, cloud: cloud}
}

// restart halts d and brings up a fresh context over the same durable
// state and account inputs, as after a process restart.
func (w *world) restart(d *device) *device {
	w.t.Helper()
	require.True(w.t, w.manager.Remove(d.Key()))
	return w.newDeviceAt(d.Key(), d.accounts, d.cloud)
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func (d *device) mustState(t *testing.T, want State) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.WaitForState(ctx, want), "current state %s", d.State())
}

// signedIn starts d with a primary HSA2 account but no cloud status yet.
func (d *device) signedIn(t *testing.T, altDSID string) {
	t.Helper()
	d.accounts.set(altDSID, account.SecurityHSA2)
	require.NoError(t, d.Start(testCtx(t)))
}

// untrusted drives d to Untrusted through the normal signal sequence.
func (d *device) untrusted(t *testing.T, altDSID string) {
	t.Helper()
	d.signedIn(t, altDSID)
	d.CloudAccountStatusChanged(account.CloudAvailable)
	require.NoError(t, d.SetCDPEnabled(testCtx(t)))
	d.mustState(t, StateUntrusted)
}

// ready drives d to Ready by establishing a new clique.
func (d *device) ready(t *testing.T, altDSID string) {
	t.Helper()
	d.untrusted(t, altDSID)
	require.NoError(t, d.Establish(testCtx(t)))
	d.mustState(t, StateReady)
}

func (w *world) metadata(d *device) store.AccountMetadata {
	w.t.Helper()
	m, err := w.store.LoadMetadata(context.Background(), d.Key().Container, d.Key().Context)
	require.NoError(w.t, err)
	return m
}
