package octagon

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/trustsync/internal/account"
	"github.com/roach88/trustsync/internal/store"
	"github.com/roach88/trustsync/internal/trusterr"
)

func TestScenario_NoLocalAccountDominatesCloud(t *testing.T) {
	w := newWorld(t)
	d := w.newDevice("phone")
	ctx := testCtx(t)

	require.NoError(t, d.Start(ctx))
	d.CloudAccountStatusChanged(account.CloudAvailable)
	require.NoError(t, d.Sync(ctx))

	assert.Equal(t, StateNoAccount, d.State())
	assert.Equal(t, store.TrustUnknown, d.TrustState())
}

func TestScenario_CloudArrivesWithoutRPCThenCDP(t *testing.T) {
	w := newWorld(t)
	d := w.newDevice("phone")
	ctx := testCtx(t)

	d.signedIn(t, "alt-1")
	assert.Equal(t, StateWaitingForCloudKitAccount, d.State())

	d.CloudAccountStatusChanged(account.CloudAvailable)
	d.mustState(t, StateWaitForCDP)
	assert.Equal(t, int32(0), d.cloud.calls.Load(), "no recheck without an RPC")

	require.NoError(t, d.SetCDPEnabled(ctx))
	assert.Equal(t, StateUntrusted, d.State())
	assert.Equal(t, store.TrustUntrusted, d.TrustState())

	m := w.metadata(d)
	assert.True(t, m.CDPEnabled)
	assert.Equal(t, account.CloudAvailable, m.CloudAccountState)
	assert.Equal(t, "alt-1", m.AltDSID)
	assert.Equal(t, store.TrustUntrusted, m.TrustState, "entering Untrusted is persisted")
}

func TestScenario_NonHSA2IgnoresCloudChanges(t *testing.T) {
	w := newWorld(t)
	d := w.newDevice("phone")
	ctx := testCtx(t)

	d.accounts.set("alt-1", account.SecuritySA)
	require.NoError(t, d.Start(ctx))
	assert.Equal(t, StateWaitForCDPCapableSecurityLevel, d.State())

	d.CloudAccountStatusChanged(account.CloudAvailable)
	require.NoError(t, d.Sync(ctx))
	d.CloudAccountStatusChanged(account.CloudNoAccount)
	require.NoError(t, d.Sync(ctx))

	assert.Equal(t, StateWaitForCDPCapableSecurityLevel, d.State())
	assert.Equal(t, 1.0, testutil.ToFloat64(w.metrics.Transitions().WithLabelValues(
		string(StateNotStarted), string(StateWaitForCDPCapableSecurityLevel))))
	assert.Equal(t, 0.0, testutil.ToFloat64(w.metrics.Transitions().WithLabelValues(
		string(StateWaitForCDPCapableSecurityLevel), string(StateWaitingForCloudKitAccount))))

	// Upgrading the account lets the cloud status matter again.
	d.accounts.set("alt-1", account.SecurityHSA2)
	require.NoError(t, d.IDMSTrustLevelChanged(ctx))
	assert.Equal(t, StateWaitingForCloudKitAccount, d.State())
}

func TestIdempotence_AccountAvailableAndSetCDP(t *testing.T) {
	w := newWorld(t)
	d := w.newDevice("phone")
	ctx := testCtx(t)

	d.untrusted(t, "alt-1")
	seq := w.metadata(d).Seq

	for i := 0; i < 2; i++ {
		require.NoError(t, d.AccountAvailable(ctx, "alt-1"))
		assert.Equal(t, StateUntrusted, d.State())
		require.NoError(t, d.SetCDPEnabled(ctx))
		assert.Equal(t, StateUntrusted, d.State())
	}
	assert.Equal(t, seq, w.metadata(d).Seq, "repeated signals do not rewrite metadata")
}

func TestSetCDPEnabled_RequiresCapableAccount(t *testing.T) {
	w := newWorld(t)
	ctx := testCtx(t)

	none := w.newDevice("none")
	require.NoError(t, none.Start(ctx))
	err := none.SetCDPEnabled(ctx)
	assert.True(t, trusterr.Is(err, trusterr.CodeNotSignedIn), "got %v", err)

	sa := w.newDevice("sa")
	sa.accounts.set("alt-sa", account.SecuritySA)
	require.NoError(t, sa.Start(ctx))
	err = sa.SetCDPEnabled(ctx)
	assert.True(t, trusterr.Is(err, trusterr.CodeNotCDPCapable), "got %v", err)
	assert.False(t, w.metadata(sa).CDPEnabled)
}

func TestSetCDPEnabled_WhileWaitingForCloud(t *testing.T) {
	w := newWorld(t)
	d := w.newDevice("phone")
	ctx := testCtx(t)

	d.signedIn(t, "alt-1")
	require.NoError(t, d.SetCDPEnabled(ctx))
	assert.Equal(t, StateWaitingForCloudKitAccount, d.State())

	d.CloudAccountStatusChanged(account.CloudAvailable)
	d.mustState(t, StateUntrusted)
}

func TestNotStarted_RejectsOperations(t *testing.T) {
	w := newWorld(t)
	d := w.newDevice("phone")
	ctx := testCtx(t)

	assert.Equal(t, StateNotStarted, d.State())
	assert.True(t, trusterr.Is(d.SetCDPEnabled(ctx), trusterr.CodeInvalidState))
	assert.True(t, trusterr.Is(d.Establish(ctx), trusterr.CodeInvalidState))
	assert.True(t, trusterr.Is(d.AccountAvailable(ctx, "alt"), trusterr.CodeInvalidState))

	// Pushed signals are remembered and applied at start.
	d.CloudAccountStatusChanged(account.CloudAvailable)
	require.NoError(t, d.Sync(ctx))
	assert.Equal(t, StateNotStarted, d.State())

	d.accounts.set("alt-1", account.SecurityHSA2)
	require.NoError(t, d.Start(ctx))
	assert.Equal(t, StateWaitForCDP, d.State())
	require.NoError(t, d.Start(ctx), "start is idempotent")
}

func TestSignOut_KeepsPeerForSameIdentity(t *testing.T) {
	w := newWorld(t)
	d := w.newDevice("phone")
	ctx := testCtx(t)

	d.ready(t, "alt-1")
	peerID := d.Status().PeerID
	require.NotEmpty(t, peerID)

	d.accounts.set("", account.SecurityUnknown)
	require.NoError(t, d.AccountNoLongerAvailable(ctx))
	assert.Equal(t, StateNoAccount, d.State())
	assert.Empty(t, d.Status().Included, "no view outside trust states")

	m := w.metadata(d)
	assert.Equal(t, peerID, m.PeerID)
	assert.Equal(t, store.TrustTrusted, m.TrustState)
	assert.Equal(t, account.CloudNoAccount, m.CloudAccountState)

	d.accounts.set("alt-1", account.SecurityHSA2)
	require.NoError(t, d.AccountAvailable(ctx, "alt-1"))
	assert.Equal(t, StateWaitingForCloudKitAccount, d.State(), "CDP restored, cloud still unknown")

	d.CloudAccountStatusChanged(account.CloudAvailable)
	d.mustState(t, StateReady)
	assert.Equal(t, peerID, d.Status().PeerID)
}

func TestSignIn_DifferentIdentityDiscardsTrust(t *testing.T) {
	w := newWorld(t)
	d := w.newDevice("phone")
	ctx := testCtx(t)

	d.ready(t, "alt-1")
	oldPeer := d.Status().PeerID

	d.accounts.set("alt-2", account.SecurityHSA2)
	require.NoError(t, d.AccountAvailable(ctx, "alt-2"))
	assert.Equal(t, StateWaitForCDP, d.State(), "new identity starts without CDP")

	m := w.metadata(d)
	assert.Equal(t, "alt-2", m.AltDSID)
	assert.Empty(t, m.PeerID)
	assert.Equal(t, store.TrustUnknown, m.TrustState)

	_, err := w.keys.LoadKeys(ctx, oldPeer)
	assert.True(t, trusterr.Is(err, trusterr.CodeKeysNotFound))
}

func TestRestart_TrustedGoesStraightToReady(t *testing.T) {
	w := newWorld(t)
	d := w.newDevice("phone")
	d.ready(t, "alt-1")
	peerID := d.Status().PeerID

	d2 := w.restart(d)
	require.NoError(t, d2.Start(testCtx(t)))
	assert.Equal(t, StateReady, d2.State())
	assert.Equal(t, peerID, d2.Status().PeerID)
	assert.Equal(t, int32(0), d2.cloud.calls.Load())
}

func TestRestart_LockedKeychainPausesThenResumes(t *testing.T) {
	for _, tc := range []struct {
		lock  store.LockState
		pause State
	}{
		{store.Locked, StateWaitForUnlock},
		{store.ClassCLocked, StateWaitForClassCUnlock},
	} {
		t.Run(tc.lock.String(), func(t *testing.T) {
			w := newWorld(t)
			d := w.newDevice("phone")
			d.ready(t, "alt-1")

			w.keys.SetLockState(tc.lock)
			d2 := w.restart(d)
			ctx := testCtx(t)
			require.NoError(t, d2.Start(ctx))
			assert.Equal(t, tc.pause, d2.State())
			assert.Equal(t, store.TrustUnknown, d2.TrustState())

			err := d2.Establish(ctx)
			require.Error(t, err)

			w.keys.SetLockState(store.Unlocked)
			require.NoError(t, d2.KeychainUnlocked(ctx))
			assert.Equal(t, StateReady, d2.State())
		})
	}
}

func TestRestart_LockedWhileWaitingForCDPResumesToCDPWait(t *testing.T) {
	w := newWorld(t)
	d := w.newDevice("phone")
	ctx := testCtx(t)
	d.ready(t, "alt-1")

	// CDP was never confirmed on disk for this identity.
	_, err := w.store.UpdateMetadata(ctx, container, "phone", func(m *store.AccountMetadata) error {
		m.CDPEnabled = false
		return nil
	})
	require.NoError(t, err)
	w.keys.SetLockState(store.Locked)

	d2 := w.restart(d)
	require.NoError(t, d2.Start(ctx))
	assert.Equal(t, StateWaitForCDP, d2.State(), "CDP wait precedes the key check")

	require.NoError(t, d2.SetCDPEnabled(ctx))
	assert.Equal(t, StateWaitForUnlock, d2.State())

	w.keys.SetLockState(store.Unlocked)
	require.NoError(t, d2.KeychainUnlocked(ctx))
	assert.Equal(t, StateReady, d2.State())
}

func TestRestart_MissingKeysDropsTrust(t *testing.T) {
	w := newWorld(t)
	d := w.newDevice("phone")
	ctx := testCtx(t)
	d.ready(t, "alt-1")
	peerID := d.Status().PeerID

	require.NoError(t, w.keys.DeleteKeys(ctx, peerID))
	d2 := w.restart(d)
	require.NoError(t, d2.Start(ctx))

	assert.Equal(t, StateUntrusted, d2.State())
	assert.Equal(t, store.TrustUntrusted, w.metadata(d2).TrustState)
}

func TestInheritedIsTerminalUntilSignOut(t *testing.T) {
	w := newWorld(t)
	ctx := testCtx(t)

	_, err := w.store.UpdateMetadata(ctx, container, "phone", func(m *store.AccountMetadata) error {
		m.AltDSID = "alt-1"
		m.CDPEnabled = true
		m.CloudAccountState = account.CloudAvailable
		m.TrustState = store.TrustInherited
		return nil
	})
	require.NoError(t, err)

	d := w.newDevice("phone")
	d.accounts.set("alt-1", account.SecurityHSA2)
	require.NoError(t, d.Start(ctx))
	assert.Equal(t, StateInherited, d.State())
	assert.True(t, trusterr.Is(d.Establish(ctx), trusterr.CodeInvalidState))

	require.NoError(t, d.AccountNoLongerAvailable(ctx))
	assert.Equal(t, StateNoAccount, d.State())
	assert.Equal(t, store.TrustUnknown, w.metadata(d).TrustState)
}

func TestPeerIDReconcile_AdoptsBackendIDWithKeys(t *testing.T) {
	w := newWorld(t)
	d := w.newDevice("phone")
	ctx := testCtx(t)
	d.ready(t, "alt-1")
	first := d.Status().PeerID

	other := w.newDevice("other")
	other.untrusted(t, "alt-1")
	require.NoError(t, other.JoinWithVoucher(ctx, first))
	second := other.Status().PeerID

	// The backend now says this device is the second peer, whose keys the
	// shared keychain holds.
	w.backend.SetSelfPeerID(d.Key(), second)
	d.PeerListChanged()
	require.NoError(t, d.Sync(ctx))

	assert.Equal(t, StateReady, d.State())
	assert.Equal(t, second, d.Status().PeerID)
	assert.Equal(t, second, w.metadata(d).PeerID)
}

func TestPeerIDReconcile_DropsMismatchWithoutKeys(t *testing.T) {
	w := newWorld(t)
	d := w.newDevice("phone")
	ctx := testCtx(t)
	d.ready(t, "alt-1")

	w.backend.SetSelfPeerID(d.Key(), "stranger")
	d.PeerListChanged()
	require.NoError(t, d.Sync(ctx))

	assert.Equal(t, StateUntrusted, d.State())
	m := w.metadata(d)
	assert.Empty(t, m.PeerID)
	assert.Equal(t, store.TrustUntrusted, m.TrustState)
}

func TestPeerRemovedFromLedgerDemotes(t *testing.T) {
	w := newWorld(t)
	d := w.newDevice("phone")
	ctx := testCtx(t)
	d.ready(t, "alt-1")

	w.backend.RemovePeer(container, d.Status().PeerID)
	require.NoError(t, d.Sync(ctx))

	assert.Equal(t, StateUntrusted, d.State())
	assert.Empty(t, w.metadata(d).PeerID)
}

func TestReadyRecordsAttemptedJoin(t *testing.T) {
	w := newWorld(t)
	ctx := testCtx(t)

	// Trusted metadata from before attempted-join was tracked.
	d := w.newDevice("phone")
	d.ready(t, "alt-1")
	peerID := d.Status().PeerID
	_, err := w.store.UpdateMetadata(ctx, container, "phone", func(m *store.AccountMetadata) error {
		m.AttemptedJoin = store.AttemptedUnknown
		return nil
	})
	require.NoError(t, err)

	d2 := w.restart(d)
	require.NoError(t, d2.Start(ctx))
	assert.Equal(t, StateReady, d2.State())
	assert.Equal(t, store.Attempted, w.metadata(d2).AttemptedJoin)
	assert.Equal(t, peerID, d2.Status().PeerID)
}

func TestWaitForState(t *testing.T) {
	w := newWorld(t)
	d := w.newDevice("phone")
	d.signedIn(t, "alt-1")

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- d.WaitForState(ctx, StateWaitForCDP)
	}()

	d.CloudAccountStatusChanged(account.CloudAvailable)
	require.NoError(t, <-done)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.WaitForState(ctx, StateReady)
	assert.True(t, trusterr.Is(err, trusterr.CodeTimeout))
}

func TestHalt(t *testing.T) {
	w := newWorld(t)
	d := w.newDevice("phone")
	ctx := testCtx(t)
	d.signedIn(t, "alt-1")

	waitErr := make(chan error, 1)
	go func() { waitErr <- d.WaitForState(ctx, StateReady) }()

	d.Halt()
	d.Halt() // idempotent

	assert.True(t, trusterr.Is(<-waitErr, trusterr.CodeHalted))
	assert.True(t, trusterr.Is(d.Sync(ctx), trusterr.CodeHalted))
	assert.True(t, trusterr.Is(d.SetCDPEnabled(ctx), trusterr.CodeHalted))
}

func TestHalt_StopsBackgroundCloudRecheck(t *testing.T) {
	w := newWorld(t)
	d := w.newDevice("phone", WithRecheckRetryDelay(20*time.Millisecond))
	ctx := testCtx(t)

	d.cloud.set(account.CloudUnknown, trusterr.New(trusterr.CodeNetworkUnreachable, "offline"))
	d.signedIn(t, "alt-1")
	require.NoError(t, d.SetCDPEnabled(ctx))

	require.Error(t, d.Establish(ctx))
	require.GreaterOrEqual(t, d.cloud.calls.Load(), int32(1))
	tracker := d.Tracker()

	require.True(t, w.manager.Remove(d.Key()))
	assert.False(t, tracker.RetryScheduled())
	halted := d.cloud.calls.Load()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, halted, d.cloud.calls.Load(), "no cloud queries after halt")
	assert.False(t, tracker.RetryScheduled())
}

func TestOperationTimeoutStillRuns(t *testing.T) {
	w := newWorld(t)
	d := w.newDevice("phone")
	ctx := testCtx(t)
	d.signedIn(t, "alt-1")

	block := make(chan struct{})
	d.enqueue("block", func(context.Context) error {
		<-block
		return nil
	})

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := d.SetCDPEnabled(short)
	assert.True(t, trusterr.Is(err, trusterr.CodeTimeout))

	close(block)
	require.NoError(t, d.Sync(ctx))
	assert.True(t, w.metadata(d).CDPEnabled, "queued work ran after the caller gave up")
}
