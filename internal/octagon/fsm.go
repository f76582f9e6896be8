package octagon

import (
	"context"
	"fmt"

	"github.com/roach88/trustsync/internal/account"
	"github.com/roach88/trustsync/internal/peers"
	"github.com/roach88/trustsync/internal/settings"
	"github.com/roach88/trustsync/internal/store"
	"github.com/roach88/trustsync/internal/trusterr"
)

// maxSettleSteps bounds how many transitions one evaluation may take.
// Entering Ready can demote to Untrusted, which settles on the next step.
const maxSettleSteps = 4

// evaluate re-derives the state from the current inputs and walks to it.
// Loop only.
func (c *Context) evaluate(ctx context.Context) error {
	if !c.started {
		return nil
	}
	if err := c.recordCloudState(ctx); err != nil {
		return err
	}

	for i := 0; i < maxSettleSteps; i++ {
		next, err := c.decide(ctx)
		if err != nil {
			return err
		}
		if next == c.state {
			return nil
		}
		c.transition(ctx, next)
	}
	return fmt.Errorf("state did not settle after %d transitions (at %s)", maxSettleSteps, c.state)
}

// decide computes the target state. The order of the account checks is
// significant: local account absence dominates everything, and a
// non-HSA2 account ignores cloud changes.
func (c *Context) decide(ctx context.Context) (State, error) {
	sig := c.tracker.Current()
	switch {
	case !sig.LocalAccountPresent:
		return StateNoAccount, nil
	case !sig.HSA2():
		return StateWaitForCDPCapableSecurityLevel, nil
	case sig.CloudStatus != account.CloudAvailable:
		return StateWaitingForCloudKitAccount, nil
	case !sig.CDPEnabled:
		return StateWaitForCDP, nil
	}

	if c.meta.TrustState == store.TrustInherited {
		return StateInherited, nil
	}
	if c.meta.TrustState != store.TrustTrusted || !c.meta.HasPeer() {
		return StateUntrusted, nil
	}

	_, err := c.keys.LoadKeys(ctx, c.meta.PeerID)
	switch {
	case err == nil:
		return StateReady, nil
	case trusterr.Is(err, trusterr.CodeKeychainLocked):
		return StateWaitForUnlock, nil
	case trusterr.Is(err, trusterr.CodeKeychainClassCLocked):
		return StateWaitForClassCUnlock, nil
	case trusterr.Is(err, trusterr.CodeKeysNotFound):
		c.logger.Warn("trusted peer has no local keys, dropping trust", "peer_id", c.meta.PeerID)
		if err := c.updateMetadata(ctx, func(m *store.AccountMetadata) {
			m.TrustState = store.TrustUntrusted
		}); err != nil {
			return c.state, err
		}
		return StateUntrusted, nil
	default:
		return c.state, fmt.Errorf("load keys for %s: %w", c.meta.PeerID, err)
	}
}

// transition moves to next and runs its entry work.
func (c *Context) transition(ctx context.Context, next State) {
	from := c.state
	c.state = next
	c.logger.Info("state transition", "from", string(from), "to", string(next))
	c.metrics.ObserveTransition(string(from), string(next))

	switch next {
	case StateReady:
		c.enterReady(ctx, from)
	case StateUntrusted:
		if c.meta.TrustState != store.TrustTrusted && c.meta.TrustState != store.TrustUntrusted {
			if err := c.updateMetadata(ctx, func(m *store.AccountMetadata) {
				m.TrustState = store.TrustUntrusted
			}); err != nil {
				c.logger.Warn("recording untrusted state failed", "error", err)
			}
		}
		if err := c.refreshPeers(ctx); err != nil {
			c.logger.Warn("peer refresh on entering untrusted failed", "error", err)
		}
	default:
		c.view = nil
	}
	c.publish()
}

// enterReady finishes the move into Ready. Failures here are logged, not
// returned: the state stays Ready with the previous view.
func (c *Context) enterReady(ctx context.Context, from State) {
	if c.meta.AttemptedJoin == store.AttemptedUnknown {
		if err := c.updateMetadata(ctx, func(m *store.AccountMetadata) {
			m.AttemptedJoin = store.Attempted
		}); err != nil {
			c.logger.Warn("recording attempted join failed", "error", err)
		}
	}
	if from == StateUntrusted {
		c.cache.Invalidate()
	}
	if err := c.syncReady(ctx); err != nil {
		c.logger.Warn("ready sync failed", "error", err)
	}
}

// syncReady refreshes the view, reconciles the local peer ID against the
// backend and converges settings. It may demote trust in metadata; the
// caller re-evaluates afterwards.
func (c *Context) syncReady(ctx context.Context) error {
	snap, err := c.backend.FetchChanges(ctx, c.key)
	if err != nil {
		return fmt.Errorf("fetch changes: %w", err)
	}
	if err := c.reconcilePeerID(ctx, snap); err != nil {
		return err
	}
	if c.meta.TrustState != store.TrustTrusted {
		return nil
	}
	return c.mergeSettings(ctx)
}

// reconcilePeerID makes the local peer ID agree with the backend.
// The backend wins: a different backend ID is adopted if keys for it are
// held locally, otherwise the local ID is dropped along with trust.
func (c *Context) reconcilePeerID(ctx context.Context, snap peers.Snapshot) error {
	local := c.meta.PeerID
	remote := snap.SelfPeerID

	if remote != "" && remote != local {
		if _, err := c.keys.LoadKeys(ctx, remote); err == nil {
			c.logger.Info("adopting backend peer ID", "local_peer_id", local, "backend_peer_id", remote)
			if err := c.updateMetadata(ctx, func(m *store.AccountMetadata) {
				m.PeerID = remote
			}); err != nil {
				return err
			}
			local = remote
		} else {
			c.logger.Warn("backend peer ID has no local keys", "backend_peer_id", remote, "error", err)
			return c.dropTrust(ctx, snap)
		}
	}

	c.view = peers.Build(local, snap)
	if remote == "" || !c.view.SelfExists() {
		c.logger.Warn("local peer not in backend ledger", "peer_id", local)
		return c.dropTrust(ctx, snap)
	}
	return nil
}

// dropTrust clears the local peer and marks the context untrusted.
func (c *Context) dropTrust(ctx context.Context, snap peers.Snapshot) error {
	if err := c.updateMetadata(ctx, func(m *store.AccountMetadata) {
		m.PeerID = ""
		m.TrustState = store.TrustUntrusted
	}); err != nil {
		return err
	}
	c.view = peers.Build("", snap)
	return nil
}

// refreshPeers rebuilds the view from the backend.
func (c *Context) refreshPeers(ctx context.Context) error {
	snap, err := c.backend.FetchChanges(ctx, c.key)
	if err != nil {
		return fmt.Errorf("fetch changes: %w", err)
	}
	c.view = peers.Build(c.meta.PeerID, snap)
	return nil
}

// mergeSettings converges this peer's published settings with the
// included peers and republishes if anything differs.
func (c *Context) mergeSettings(ctx context.Context) error {
	self, ok := c.view.Self()
	if !ok {
		return nil
	}
	merged, republish := settings.MergeSet(self.Stable.Settings, c.view.Observations)
	if !republish {
		return nil
	}

	stable := self.Stable.Clone()
	stable.Settings = merged
	snap, err := c.backend.UpdateTrust(ctx, c.key, c.meta.PeerID, stable)
	if err != nil {
		return fmt.Errorf("publish merged settings: %w", err)
	}
	c.view = peers.Build(c.meta.PeerID, snap)
	c.metrics.ObserveSettingsPublished()
	c.logger.Info("converged account settings", "settings", len(merged))
	return nil
}

// recordCloudState persists a resolved cloud status that differs from metadata.
func (c *Context) recordCloudState(ctx context.Context) error {
	status := c.tracker.Current().CloudStatus
	if status == account.CloudUnknown || status == c.meta.CloudAccountState {
		return nil
	}
	return c.updateMetadata(ctx, func(m *store.AccountMetadata) {
		m.CloudAccountState = status
	})
}

// updateMetadata persists fn's change and refreshes the loop's copy.
func (c *Context) updateMetadata(ctx context.Context, fn func(*store.AccountMetadata)) error {
	m, err := c.metadata.UpdateMetadata(ctx, c.key.Container, c.key.Context, func(m *store.AccountMetadata) error {
		fn(m)
		return nil
	})
	if err != nil {
		return err
	}
	c.meta = m
	return nil
}
