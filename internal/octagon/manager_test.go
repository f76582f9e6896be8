package octagon

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/trustsync/internal/account"
	"github.com/roach88/trustsync/internal/cuttlefish"
	"github.com/roach88/trustsync/internal/metrics"
	"github.com/roach88/trustsync/internal/trusterr"
)

func TestManager_GetCreatesOnce(t *testing.T) {
	w := newWorld(t)
	m := NewManager(Deps{
		Backend:     w.backend,
		Metadata:    w.store,
		Keys:        w.keys,
		Accounts:    newFakeAccounts(),
		CloudStatus: &fakeCloud{},
	}, WithMetrics(w.metrics))
	t.Cleanup(m.Halt)

	key := cuttlefish.ContextKey{Container: container, Context: "defaultContext"}
	a, err := m.Get(key)
	require.NoError(t, err)
	b, err := m.Get(key)
	require.NoError(t, err)
	assert.Same(t, a, b)

	got, ok := m.Lookup(key)
	require.True(t, ok)
	assert.Same(t, a, got)

	_, ok = m.Lookup(cuttlefish.ContextKey{Container: container, Context: "other"})
	assert.False(t, ok)
}

func TestManager_KeysSorted(t *testing.T) {
	w := newWorld(t)
	w.newDevice("b")
	w.newDevice("a")
	other := NewContext(cuttlefish.ContextKey{Container: "aaa", Context: "z"}, Deps{})
	require.NoError(t, w.manager.Add(other))

	assert.Equal(t, []cuttlefish.ContextKey{
		{Container: "aaa", Context: "z"},
		{Container: container, Context: "a"},
		{Container: container, Context: "b"},
	}, w.manager.Keys())
}

func TestManager_AddRejectsDuplicate(t *testing.T) {
	w := newWorld(t)
	d := w.newDevice("phone")

	dup := NewContext(d.Key(), Deps{})
	t.Cleanup(dup.Halt)
	assert.Error(t, w.manager.Add(dup))
}

func TestManager_NotifyScopedToContainer(t *testing.T) {
	w := newWorld(t)
	ctx := testCtx(t)
	phone := w.newDevice("phone")
	phone.ready(t, "alt-1")

	// A context in another container never hears about this clique.
	quiet := metrics.New(nil)
	elsewhere := w.newDeviceAt(cuttlefish.ContextKey{Container: "com.apple.security.other", Context: "phone"},
		newFakeAccounts(), &fakeCloud{status: account.CloudAvailable}, WithMetrics(quiet))
	elsewhere.untrusted(t, "alt-1")

	laptop := w.newDevice("laptop")
	laptop.untrusted(t, "alt-1")
	require.NoError(t, laptop.JoinWithVoucher(ctx, "peer-1"))

	require.Eventually(t, func() bool {
		_ = phone.Sync(ctx)
		return len(phone.Status().Included) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, elsewhere.Sync(ctx))
	assert.Equal(t, []string{}, elsewhere.Status().Included)
	assert.Equal(t, 0.0, testutil.ToFloat64(quiet.Operations().WithLabelValues("peer_list_changed", "ok")))
}

func TestManager_Remove(t *testing.T) {
	w := newWorld(t)
	d := w.newDevice("phone")
	d.signedIn(t, "alt-1")

	require.True(t, w.manager.Remove(d.Key()))
	assert.False(t, w.manager.Remove(d.Key()))
	_, ok := w.manager.Lookup(d.Key())
	assert.False(t, ok)
	assert.True(t, trusterr.Is(d.Sync(testCtx(t)), trusterr.CodeHalted), "removed contexts are halted")
}

func TestManager_HaltRefusesNewContexts(t *testing.T) {
	w := newWorld(t)
	d := w.newDevice("phone")
	d.signedIn(t, "alt-1")

	w.manager.Halt()
	assert.True(t, trusterr.Is(d.Sync(testCtx(t)), trusterr.CodeHalted))

	_, err := w.manager.Get(cuttlefish.ContextKey{Container: container, Context: "late"})
	assert.True(t, trusterr.Is(err, trusterr.CodeHalted))

	late := NewContext(cuttlefish.ContextKey{Container: container, Context: "late"}, Deps{})
	t.Cleanup(late.Halt)
	assert.True(t, trusterr.Is(w.manager.Add(late), trusterr.CodeHalted))
}
