package octagon

import (
	"context"
	"time"

	"github.com/roach88/trustsync/internal/account"
	"github.com/roach88/trustsync/internal/cuttlefish"
	"github.com/roach88/trustsync/internal/escrow"
	"github.com/roach88/trustsync/internal/peers"
	"github.com/roach88/trustsync/internal/settings"
	"github.com/roach88/trustsync/internal/store"
	"github.com/roach88/trustsync/internal/trusterr"
)

// ensureCloudStatus resolves an unknown cloud account status before an RPC
// is queued, waiting at most timeout. It runs off-queue so the loop never
// blocks on the network.
func (c *Context) ensureCloudStatus(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.ckTimeout
	}
	st := c.Status()
	if st.CloudStatus != account.CloudUnknown && st.State != StateWaitingForCloudKitAccount {
		return nil
	}
	if !c.tracker.Current().LocalAccountPresent {
		return nil
	}

	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := c.tracker.RecheckAndWait(rctx)
	return err
}

// Establish creates a new clique with this device as its only member.
func (c *Context) Establish(ctx context.Context) error {
	if err := c.ensureCloudStatus(ctx, 0); err != nil {
		return err
	}
	return c.do(ctx, "establish", func(ctx context.Context) error {
		if err := c.requireState("establish", StateUntrusted); err != nil {
			return err
		}
		return c.join(ctx, "establish", func(ctx context.Context, id cuttlefish.Identity) (peers.Snapshot, error) {
			return c.backend.Establish(ctx, c.key, id)
		})
	})
}

// ResetAndEstablish discards the account's clique and establishes a new one.
func (c *Context) ResetAndEstablish(ctx context.Context) error {
	if err := c.ensureCloudStatus(ctx, 0); err != nil {
		return err
	}
	return c.do(ctx, "reset_and_establish", func(ctx context.Context) error {
		if err := c.requireState("reset_and_establish", StateUntrusted, StateReady); err != nil {
			return err
		}
		if err := c.updateMetadata(ctx, func(m *store.AccountMetadata) {
			m.AttemptedJoin = store.Attempted
		}); err != nil {
			return err
		}
		if err := c.backend.Reset(ctx, c.key); err != nil {
			return err
		}
		if c.meta.HasPeer() {
			if err := c.keys.DeleteKeys(ctx, c.meta.PeerID); err != nil {
				return err
			}
		}
		if err := c.updateMetadata(ctx, func(m *store.AccountMetadata) {
			m.PeerID = ""
			m.TrustState = store.TrustUntrusted
		}); err != nil {
			return err
		}
		c.cache.Invalidate()
		if err := c.evaluate(ctx); err != nil {
			return err
		}
		return c.join(ctx, "establish", func(ctx context.Context, id cuttlefish.Identity) (peers.Snapshot, error) {
			return c.backend.Establish(ctx, c.key, id)
		})
	})
}

// JoinWithVoucher joins the clique sponsored by an existing member.
func (c *Context) JoinWithVoucher(ctx context.Context, voucher string) error {
	if err := c.ensureCloudStatus(ctx, 0); err != nil {
		return err
	}
	return c.do(ctx, "join_with_voucher", func(ctx context.Context) error {
		if err := c.requireState("join_with_voucher", StateUntrusted); err != nil {
			return err
		}
		return c.join(ctx, "voucher", func(ctx context.Context, id cuttlefish.Identity) (peers.Snapshot, error) {
			return c.backend.JoinWithVoucher(ctx, c.key, id, voucher)
		})
	})
}

// JoinWithBottle joins by recovering from an escrow record.
// The record must be among the viable records the cache knows about.
func (c *Context) JoinWithBottle(ctx context.Context, bottleID, secret string) error {
	if err := c.ensureCloudStatus(ctx, 0); err != nil {
		return err
	}
	return c.do(ctx, "join_with_bottle", func(ctx context.Context) error {
		if err := c.requireState("join_with_bottle", StateUntrusted); err != nil {
			return err
		}
		records, err := c.cache.Fetch(ctx, escrow.SourceDefault)
		if err != nil {
			return err
		}
		if _, ok := records.Find(bottleID); !ok {
			return trusterr.Newf(trusterr.CodeRecordNotFound, "no viable escrow record %s", bottleID)
		}
		return c.join(ctx, "bottle", func(ctx context.Context, id cuttlefish.Identity) (peers.Snapshot, error) {
			return c.backend.JoinWithBottle(ctx, c.key, id, bottleID, secret)
		})
	})
}

// JoinWithRecoveryKey joins using the account recovery key.
func (c *Context) JoinWithRecoveryKey(ctx context.Context, recoveryKey string) error {
	if err := c.ensureCloudStatus(ctx, 0); err != nil {
		return err
	}
	return c.do(ctx, "join_with_recovery_key", func(ctx context.Context) error {
		if err := c.requireState("join_with_recovery_key", StateUntrusted); err != nil {
			return err
		}
		return c.join(ctx, "recovery_key", func(ctx context.Context, id cuttlefish.Identity) (peers.Snapshot, error) {
			return c.backend.JoinWithRecoveryKey(ctx, c.key, id, recoveryKey)
		})
	})
}

// join prepares a fresh identity and hands it to call. The attempt is
// persisted first; the peer ID and trust only on success. A failed attempt
// leaves the state unchanged.
func (c *Context) join(ctx context.Context, how string, call func(context.Context, cuttlefish.Identity) (peers.Snapshot, error)) error {
	if err := c.updateMetadata(ctx, func(m *store.AccountMetadata) {
		m.AttemptedJoin = store.Attempted
	}); err != nil {
		return err
	}

	peerID := c.ids.Generate()
	km, err := store.GenerateKeyMaterial(peerID, c.entropy)
	if err != nil {
		return err
	}
	id := cuttlefish.Identity{
		PeerID:           peerID,
		SigningPublic:    km.SigningPublic(),
		EncryptionPublic: km.EncryptionPublic,
		Stable:           peers.StableInfo{DeviceName: c.deviceName, OSVersion: c.osVersion},
	}

	snap, err := call(ctx, id)
	if err != nil {
		c.logger.Warn("trust establishment failed", "via", how, "peer_id", peerID, "error", err)
		return err
	}
	if err := c.keys.StoreKeys(ctx, km); err != nil {
		return err
	}
	if err := c.updateMetadata(ctx, func(m *store.AccountMetadata) {
		m.PeerID = peerID
		m.TrustState = store.TrustTrusted
	}); err != nil {
		return err
	}
	c.view = peers.Build(peerID, snap)
	c.logger.Info("trust established", "via", how, "peer_id", peerID)
	return c.evaluate(ctx)
}

// Leave departs the clique. The peer ID stays in metadata.
func (c *Context) Leave(ctx context.Context) error {
	if err := c.ensureCloudStatus(ctx, 0); err != nil {
		return err
	}
	return c.do(ctx, "leave", func(ctx context.Context) error {
		if err := c.requireState("leave", StateReady); err != nil {
			return err
		}
		if err := c.backend.Depart(ctx, c.key, c.meta.PeerID); err != nil {
			return err
		}
		if err := c.keys.DeleteKeys(ctx, c.meta.PeerID); err != nil {
			return err
		}
		if err := c.updateMetadata(ctx, func(m *store.AccountMetadata) {
			m.TrustState = store.TrustUntrusted
		}); err != nil {
			return err
		}
		c.cache.Invalidate()
		c.logger.Info("left clique", "peer_id", c.meta.PeerID)
		return c.evaluate(ctx)
	})
}

// TrustStatus reports the context's trust status. Unless cfg says to use
// the cached account status, an unknown cloud status is rechecked first.
// If the recheck does not resolve in time, a best-effort status with trust
// Unknown is returned together with ACCOUNT_STATE_UNKNOWN.
func (c *Context) TrustStatus(ctx context.Context, cfg StatusConfig) (Status, error) {
	if !cfg.UseCachedAccountStatus {
		if err := c.ensureCloudStatus(ctx, cfg.TimeoutWaitForCKAccount); err != nil {
			st := c.Status()
			st.Trust = store.TrustUnknown
			return st, err
		}
		// Let the evaluation the recheck triggered land first.
		if err := c.Sync(ctx); err != nil {
			return c.Status(), err
		}
	}
	return c.Status(), nil
}

// FetchEscrowRecords reads viable escrow records according to source.
func (c *Context) FetchEscrowRecords(ctx context.Context, source escrow.Source) (*escrow.Classified, error) {
	if err := c.ensureCloudStatus(ctx, 0); err != nil {
		return nil, err
	}
	var out *escrow.Classified
	err := c.do(ctx, "fetch_escrow_records", func(ctx context.Context) error {
		if err := c.requireState("fetch_escrow_records", StateUntrusted, StateReady); err != nil {
			return err
		}
		records, err := c.cache.Fetch(ctx, source)
		if err != nil {
			return err
		}
		out = records
		return nil
	})
	return out, err
}

// InvalidateEscrowCache empties the escrow record cache.
func (c *Context) InvalidateEscrowCache(ctx context.Context) error {
	return c.do(ctx, "invalidate_escrow_cache", func(ctx context.Context) error {
		c.cache.Invalidate()
		return nil
	})
}

// TLKRecoverability returns the views whose TLKs the escrow record's peer
// can recover, or NO_RECOVERY if there are none.
func (c *Context) TLKRecoverability(ctx context.Context, recordID string, source escrow.Source) ([]string, error) {
	if err := c.ensureCloudStatus(ctx, 0); err != nil {
		return nil, err
	}
	var views []string
	err := c.do(ctx, "tlk_recoverability", func(ctx context.Context) error {
		if err := c.requireState("tlk_recoverability", StateUntrusted, StateReady); err != nil {
			return err
		}
		records, err := c.cache.Fetch(ctx, source)
		if err != nil {
			return err
		}
		rec, ok := records.Find(recordID)
		if !ok {
			return trusterr.Newf(trusterr.CodeRecordNotFound, "no viable escrow record %s", recordID)
		}
		if c.view == nil {
			if err := c.refreshPeers(ctx); err != nil {
				return err
			}
		}
		views = c.view.RecoverableViews(rec.PeerID)
		if len(views) == 0 {
			return trusterr.Newf(trusterr.CodeNoRecovery, "no TLK shares recoverable from %s", recordID)
		}
		return nil
	})
	return views, err
}

// SetAccountSetting explicitly sets an account-wide setting and publishes
// it at one past the highest clock seen. Returns the published value.
func (c *Context) SetAccountSetting(ctx context.Context, name string, enabled bool) (settings.Value, error) {
	if err := c.ensureCloudStatus(ctx, 0); err != nil {
		return settings.Value{}, err
	}
	var out settings.Value
	err := c.do(ctx, "set_account_setting", func(ctx context.Context) error {
		if err := c.requireState("set_account_setting", StateReady); err != nil {
			return err
		}
		canonical, err := settings.Validate(name)
		if err != nil {
			return err
		}
		if err := c.refreshPeers(ctx); err != nil {
			return err
		}
		self, ok := c.view.Self()
		if !ok {
			return trusterr.Newf(trusterr.CodeNotTrusted, "local peer %s not in clique", c.meta.PeerID)
		}

		var local *settings.Value
		if v, ok := self.Stable.Settings[canonical]; ok {
			local = &v
		}
		val := settings.Next(enabled, local, c.view.Observations(canonical))

		stable := self.Stable.Clone()
		if stable.Settings == nil {
			stable.Settings = settings.Set{}
		}
		stable.Settings[canonical] = val
		snap, err := c.backend.UpdateTrust(ctx, c.key, c.meta.PeerID, stable)
		if err != nil {
			if trusterr.Retryable(err) {
				return err
			}
			return trusterr.Wrap(trusterr.CodePublishRejected, "publish "+canonical, err)
		}
		c.view = peers.Build(c.meta.PeerID, snap)
		c.metrics.ObserveSettingsPublished()
		c.logger.Info("account setting updated",
			"setting", canonical,
			"enabled", val.Enabled,
			"clock", val.Clock,
		)
		out = val
		return nil
	})
	return out, err
}

// FetchAccountSettings returns the settings this peer has published.
func (c *Context) FetchAccountSettings(ctx context.Context) (settings.Set, error) {
	var out settings.Set
	err := c.do(ctx, "fetch_account_settings", func(ctx context.Context) error {
		if err := c.requireState("fetch_account_settings", StateReady); err != nil {
			return err
		}
		if c.view == nil {
			if err := c.refreshPeers(ctx); err != nil {
				return err
			}
		}
		self, ok := c.view.Self()
		if !ok {
			return trusterr.Newf(trusterr.CodeNotTrusted, "local peer %s not in clique", c.meta.PeerID)
		}
		out = self.Stable.Settings.Clone()
		return nil
	})
	return out, err
}

// FetchAccountWideSettings resolves every setting across this peer and the
// peers it trusts. Reading never publishes.
func (c *Context) FetchAccountWideSettings(ctx context.Context) (settings.Set, error) {
	var out settings.Set
	err := c.do(ctx, "fetch_account_wide_settings", func(ctx context.Context) error {
		if err := c.requireState("fetch_account_wide_settings", StateReady); err != nil {
			return err
		}
		if err := c.refreshPeers(ctx); err != nil {
			return err
		}
		out = c.view.AccountSettings()
		return nil
	})
	return out, err
}
