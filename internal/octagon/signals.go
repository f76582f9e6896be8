package octagon

import (
	"context"

	"github.com/roach88/trustsync/internal/account"
	"github.com/roach88/trustsync/internal/store"
	"github.com/roach88/trustsync/internal/trusterr"
)

// Start loads persisted metadata, discovers the primary account and runs
// the first evaluation. Calling Start again is a no-op.
func (c *Context) Start(ctx context.Context) error {
	return c.do(ctx, "start", func(ctx context.Context) error {
		if c.started {
			return nil
		}
		meta, err := c.metadata.LoadMetadata(ctx, c.key.Container, c.key.Context)
		if err != nil {
			return err
		}
		c.meta = meta

		altDSID, err := c.accounts.PrimaryAltDSID(ctx)
		switch {
		case trusterr.Is(err, trusterr.CodeNoPrimaryAccount):
			c.logger.Info("no primary account at start")
			c.tracker.UpdateLocalAccount(false, "", account.SecurityUnknown)
		case err != nil:
			return err
		default:
			level, err := c.accounts.SecurityLevel(ctx, altDSID)
			if err != nil {
				return err
			}
			if err := c.adoptAccount(ctx, altDSID); err != nil {
				return err
			}
			// Restart fast path: a cloud account this identity already saw
			// stays available until told otherwise.
			if c.meta.CloudAccountState == account.CloudAvailable {
				c.tracker.UpdateCloudStatus(account.CloudAvailable)
			}
			c.tracker.UpdateLocalAccount(true, altDSID, level)
		}

		c.started = true
		c.logger.Info("context started",
			"peer_id", c.meta.PeerID,
			"trust", c.meta.TrustState.String(),
		)
		return c.evaluate(ctx)
	})
}

// adoptAccount records altDSID as the signed-in identity. A different
// identity than the one in metadata wipes the previous account's state;
// the same identity restores its CDP flag.
func (c *Context) adoptAccount(ctx context.Context, altDSID string) error {
	prev := c.meta
	if prev.AltDSID == altDSID {
		if prev.CDPEnabled {
			c.tracker.UpdateCDP(true)
		}
		return nil
	}

	if prev.AltDSID != "" {
		c.logger.Info("different account signed in, discarding previous trust",
			"previous_peer_id", prev.PeerID,
		)
		if prev.HasPeer() {
			if err := c.keys.DeleteKeys(ctx, prev.PeerID); err != nil {
				return err
			}
		}
		c.cache.Invalidate()
		c.tracker.UpdateCDP(false)
	}
	return c.updateMetadata(ctx, func(m *store.AccountMetadata) {
		*m = store.AccountMetadata{AltDSID: altDSID, Seq: m.Seq}
	})
}

// AccountAvailable records that altDSID signed in on the device.
func (c *Context) AccountAvailable(ctx context.Context, altDSID string) error {
	return c.do(ctx, "account_available", func(ctx context.Context) error {
		if err := c.requireStarted("account_available"); err != nil {
			return err
		}
		level, err := c.accounts.SecurityLevel(ctx, altDSID)
		if err != nil {
			return err
		}
		if err := c.adoptAccount(ctx, altDSID); err != nil {
			return err
		}
		c.tracker.UpdateLocalAccount(true, altDSID, level)
		return c.evaluate(ctx)
	})
}

// AccountNoLongerAvailable records sign-out. The peer ID and trust in
// metadata are kept so the same identity can resume.
func (c *Context) AccountNoLongerAvailable(ctx context.Context) error {
	return c.do(ctx, "account_no_longer_available", func(ctx context.Context) error {
		if err := c.requireStarted("account_no_longer_available"); err != nil {
			return err
		}
		c.tracker.Reset()
		c.cache.Invalidate()
		if err := c.updateMetadata(ctx, func(m *store.AccountMetadata) {
			m.CloudAccountState = account.CloudNoAccount
			if m.TrustState == store.TrustInherited {
				m.TrustState = store.TrustUnknown
			}
		}); err != nil {
			return err
		}
		return c.evaluate(ctx)
	})
}

// IDMSTrustLevelChanged re-reads the account's security level.
func (c *Context) IDMSTrustLevelChanged(ctx context.Context) error {
	return c.do(ctx, "idms_trust_level_changed", func(ctx context.Context) error {
		if err := c.requireStarted("idms_trust_level_changed"); err != nil {
			return err
		}
		sig := c.tracker.Current()
		if sig.LocalAccountPresent {
			level, err := c.accounts.SecurityLevel(ctx, sig.AltDSID)
			if err != nil {
				return err
			}
			c.tracker.UpdateSecurityLevel(level)
		}
		return c.evaluate(ctx)
	})
}

// CloudAccountStatusChanged records a pushed cloud account status.
// It does not wait for the resulting evaluation.
func (c *Context) CloudAccountStatusChanged(status account.CloudStatus) {
	c.tracker.UpdateCloudStatus(status)
}

// SetCDPEnabled turns on CDP for the signed-in account.
// It is a signal: an Unknown cloud status is left for a push or a later
// RPC to resolve.
func (c *Context) SetCDPEnabled(ctx context.Context) error {
	return c.do(ctx, "set_cdp_enabled", func(ctx context.Context) error {
		if err := c.requireStarted("set_cdp_enabled"); err != nil {
			return err
		}
		sig := c.tracker.Current()
		if !sig.LocalAccountPresent {
			return stateError("set_cdp_enabled", StateNoAccount, sig.CloudStatus)
		}
		if !sig.HSA2() {
			return stateError("set_cdp_enabled", StateWaitForCDPCapableSecurityLevel, sig.CloudStatus)
		}
		if !c.meta.CDPEnabled {
			if err := c.updateMetadata(ctx, func(m *store.AccountMetadata) {
				m.CDPEnabled = true
			}); err != nil {
				return err
			}
		}
		c.tracker.UpdateCDP(true)
		return c.evaluate(ctx)
	})
}

// KeychainUnlocked re-evaluates after the keychain becomes readable.
func (c *Context) KeychainUnlocked(ctx context.Context) error {
	return c.do(ctx, "keychain_unlocked", func(ctx context.Context) error {
		if err := c.requireStarted("keychain_unlocked"); err != nil {
			return err
		}
		return c.evaluate(ctx)
	})
}

// PeerListChanged schedules a refresh after the backend reports new data.
// It does not wait; use Sync to observe the result.
func (c *Context) PeerListChanged() {
	c.enqueue("peer_list_changed", func(ctx context.Context) error {
		if !c.started {
			return nil
		}
		switch c.state {
		case StateReady:
			if err := c.syncReady(ctx); err != nil {
				c.logger.Warn("peer list refresh failed", "error", err)
			}
		case StateUntrusted:
			if err := c.refreshPeers(ctx); err != nil {
				c.logger.Warn("peer list refresh failed", "error", err)
			}
		}
		return c.evaluate(ctx)
	})
}

func (c *Context) requireStarted(op string) error {
	if !c.started {
		return stateError(op, StateNotStarted, account.CloudUnknown)
	}
	return nil
}

// requireState fails unless the context is in one of allowed.
func (c *Context) requireState(op string, allowed ...State) error {
	if err := c.requireStarted(op); err != nil {
		return err
	}
	for _, s := range allowed {
		if c.state == s {
			return nil
		}
	}
	return stateError(op, c.state, c.tracker.Current().CloudStatus)
}
