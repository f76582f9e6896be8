package harness

import (
	"context"
	"fmt"

	"github.com/roach88/trustsync/internal/account"
	"github.com/roach88/trustsync/internal/escrow"
	"github.com/roach88/trustsync/internal/octagon"
	"github.com/roach88/trustsync/internal/settings"
	"github.com/roach88/trustsync/internal/store"
	"github.com/roach88/trustsync/internal/trusterr"
)

// execute performs one flow step on d and returns its result, if any.
func (h *harness) execute(ctx context.Context, d *device, step FlowStep) (interface{}, error) {
	args := step.Args
	switch step.Action {
	case ActionStart:
		return nil, d.ctx.Start(ctx)

	case ActionRestart:
		return nil, h.restart(ctx, d)

	case ActionSignIn:
		altDSID, err := argString(args, "alt_dsid")
		if err != nil {
			return nil, err
		}
		level := account.SecurityHSA2
		if _, ok := args["security_level"]; ok {
			if level, err = argSecurityLevel(args, "security_level"); err != nil {
				return nil, err
			}
		}
		d.accounts.signIn(altDSID, level)
		return nil, d.ctx.AccountAvailable(ctx, altDSID)

	case ActionSignOut:
		d.accounts.signOut()
		return nil, d.ctx.AccountNoLongerAvailable(ctx)

	case ActionSecurityLevel:
		level, err := argSecurityLevel(args, "level")
		if err != nil {
			return nil, err
		}
		d.accounts.setLevel(level)
		return nil, d.ctx.IDMSTrustLevelChanged(ctx)

	case ActionCloudStatus:
		s, err := argString(args, "status")
		if err != nil {
			return nil, err
		}
		status, err := account.ParseCloudStatus(s)
		if err != nil {
			return nil, &argError{err}
		}
		d.cloud.set(status)
		d.ctx.CloudAccountStatusChanged(status)
		return nil, nil

	case ActionSetCDP:
		return nil, d.ctx.SetCDPEnabled(ctx)

	case ActionEstablish:
		return nil, d.ctx.Establish(ctx)

	case ActionResetAndEstablish:
		return nil, d.ctx.ResetAndEstablish(ctx)

	case ActionJoinWithVoucher:
		sponsor, err := argString(args, "sponsor")
		if err != nil {
			return nil, err
		}
		return nil, d.ctx.JoinWithVoucher(ctx, h.devices[sponsor].ctx.Status().PeerID)

	case ActionJoinWithBottle:
		secret, err := argString(args, "secret")
		if err != nil {
			return nil, err
		}
		id, err := h.recordID(ctx, d, args)
		if err != nil {
			return nil, err
		}
		return nil, d.ctx.JoinWithBottle(ctx, id, secret)

	case ActionJoinWithRecoveryKey:
		key, err := argString(args, "key")
		if err != nil {
			return nil, err
		}
		return nil, d.ctx.JoinWithRecoveryKey(ctx, key)

	case ActionLeave:
		return nil, d.ctx.Leave(ctx)

	case ActionTrustStatus:
		cached, err := argBoolOr(args, "cached", false)
		if err != nil {
			return nil, err
		}
		st, err := d.ctx.TrustStatus(ctx, octagon.StatusConfig{UseCachedAccountStatus: cached})
		return statusResult(st), err

	case ActionSetSetting:
		name, err := argString(args, "name")
		if err != nil {
			return nil, err
		}
		enabled, err := argBoolOr(args, "enabled", false)
		if err != nil {
			return nil, err
		}
		v, err := d.ctx.SetAccountSetting(ctx, name, enabled)
		if err != nil {
			return nil, err
		}
		return v, nil

	case ActionFetchSettings:
		scope := "account"
		if _, ok := args["scope"]; ok {
			var err error
			if scope, err = argString(args, "scope"); err != nil {
				return nil, err
			}
		}
		var (
			set settings.Set
			err error
		)
		switch scope {
		case "account":
			set, err = d.ctx.FetchAccountWideSettings(ctx)
		case "local":
			set, err = d.ctx.FetchAccountSettings(ctx)
		default:
			return nil, &argError{fmt.Errorf("scope must be \"account\" or \"local\", got %q", scope)}
		}
		if err != nil {
			return nil, err
		}
		if set == nil {
			set = settings.Set{}
		}
		return map[string]interface{}{"settings": set}, nil

	case ActionFetchEscrow:
		source, err := argSource(args)
		if err != nil {
			return nil, err
		}
		records, err := d.ctx.FetchEscrowRecords(ctx, source)
		if err != nil {
			return nil, err
		}
		return escrowResult(records), nil

	case ActionInvalidateEscrow:
		return nil, d.ctx.InvalidateEscrowCache(ctx)

	case ActionTLKRecoverability:
		source, err := argSource(args)
		if err != nil {
			return nil, err
		}
		id, err := h.recordID(ctx, d, args)
		if err != nil {
			return nil, err
		}
		views, err := d.ctx.TLKRecoverability(ctx, id, source)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"views": views}, nil

	case ActionLockKeychain:
		s, err := argString(args, "state")
		if err != nil {
			return nil, err
		}
		switch s {
		case "locked":
			d.keys.SetLockState(store.Locked)
		case "class_c_locked":
			d.keys.SetLockState(store.ClassCLocked)
		case "unlocked":
			d.keys.SetLockState(store.Unlocked)
			return nil, d.ctx.KeychainUnlocked(ctx)
		default:
			return nil, &argError{fmt.Errorf("unknown keychain state %q", s)}
		}
		return nil, nil

	case ActionRemovePeer:
		peerID := d.ctx.Status().PeerID
		if peerID == "" {
			return nil, trusterr.Newf(trusterr.CodeNotTrusted, "%s has no peer to remove", d.name)
		}
		h.backend.RemovePeer(d.key.Container, peerID)
		return nil, nil

	case ActionSetRecoveryKey:
		key, err := argString(args, "key")
		if err != nil {
			return nil, err
		}
		h.backend.SetRecoveryKey(d.key.Container, key)
		return nil, nil

	case ActionSetEscrowSecret:
		secret, err := argString(args, "secret")
		if err != nil {
			return nil, err
		}
		peerID := d.ctx.Status().PeerID
		if peerID == "" {
			return nil, trusterr.Newf(trusterr.CodeNotTrusted, "%s has no peer to escrow", d.name)
		}
		h.backend.SetEscrowSecret(d.key.Container, peerID, secret)
		return nil, nil

	case ActionFailNext:
		op, err := argString(args, "op")
		if err != nil {
			return nil, err
		}
		code, err := argString(args, "code")
		if err != nil {
			return nil, err
		}
		h.backend.FailNext(op, trusterr.New(trusterr.Code(code), "injected failure"))
		return nil, nil
	}
	return nil, &argError{fmt.Errorf("unknown action %q", step.Action)}
}

// restart halts d's context and brings up a new one over the same
// database, keychain and account inputs, then starts it.
func (h *harness) restart(ctx context.Context, d *device) error {
	if !h.manager.Remove(d.key) {
		return fmt.Errorf("device %s is not registered", d.name)
	}
	if err := h.bringUp(d); err != nil {
		return err
	}
	return d.ctx.Start(ctx)
}

// recordID resolves the escrow record a step refers to: either a literal
// "record" ID, or the record belonging to the "from" device's peer as the
// backend lists it.
func (h *harness) recordID(ctx context.Context, d *device, args map[string]interface{}) (string, error) {
	if _, ok := args["record"]; ok {
		return argString(args, "record")
	}
	from, err := argString(args, "from")
	if err != nil {
		return "", err
	}
	peerID := h.devices[from].ctx.Status().PeerID
	if peerID == "" {
		return "", trusterr.Newf(trusterr.CodeRecordNotFound, "%s has no peer", from)
	}
	records, err := h.backend.FetchViableBottles(ctx, d.key)
	if err != nil {
		return "", err
	}
	for _, r := range records {
		if r.PeerID == peerID {
			return r.ID(), nil
		}
	}
	return "", trusterr.Newf(trusterr.CodeRecordNotFound, "no escrow record for %s", from)
}

// statusResult is the trace form of a trust status.
func statusResult(st octagon.Status) map[string]interface{} {
	return map[string]interface{}{
		"state":          string(st.State),
		"trust":          st.Trust.String(),
		"peer_id":        st.PeerID,
		"cloud_status":   st.CloudStatus.String(),
		"cdp_enabled":    st.CDPEnabled,
		"attempted_join": st.AttemptedJoin.String(),
		"included":       st.Included,
		"excluded":       st.Excluded,
		"trusted_by":     st.TrustedBy,
	}
}

// escrowResult is the trace form of a record fetch. Timestamps are left
// out so traces stay reproducible.
func escrowResult(c *escrow.Classified) map[string]interface{} {
	records := make([]map[string]interface{}, 0, len(c.Records))
	for _, r := range c.Records {
		records = append(records, map[string]interface{}{
			"id":        r.ID(),
			"peer_id":   r.PeerID,
			"viability": r.Viability.String(),
		})
	}
	return map[string]interface{}{
		"records": records,
		"legacy":  len(c.Legacy),
		"partial": len(c.PartiallyViable),
		"full":    len(c.FullyViable),
	}
}

func argString(args map[string]interface{}, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", &argError{fmt.Errorf("missing arg %q", key)}
	}
	s, ok := v.(string)
	if !ok {
		return "", &argError{fmt.Errorf("arg %q must be a string, got %T", key, v)}
	}
	return s, nil
}

func argBoolOr(args map[string]interface{}, key string, def bool) (bool, error) {
	v, ok := args[key]
	if !ok {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, &argError{fmt.Errorf("arg %q must be a boolean, got %T", key, v)}
	}
	return b, nil
}

func argSecurityLevel(args map[string]interface{}, key string) (account.SecurityLevel, error) {
	s, err := argString(args, key)
	if err != nil {
		return account.SecurityUnknown, err
	}
	level, err := account.ParseSecurityLevel(s)
	if err != nil {
		return account.SecurityUnknown, &argError{err}
	}
	return level, nil
}

func argSource(args map[string]interface{}) (escrow.Source, error) {
	if _, ok := args["source"]; !ok {
		return escrow.SourceDefault, nil
	}
	s, err := argString(args, "source")
	if err != nil {
		return escrow.SourceDefault, err
	}
	source, err := escrow.ParseSource(s)
	if err != nil {
		return escrow.SourceDefault, &argError{err}
	}
	return source, nil
}
