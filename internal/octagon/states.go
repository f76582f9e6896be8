package octagon

import (
	"github.com/roach88/trustsync/internal/account"
	"github.com/roach88/trustsync/internal/store"
	"github.com/roach88/trustsync/internal/trusterr"
)

// State is a named state of the trust state machine.
type State string

const (
	StateNotStarted                     State = "NotStarted"
	StateNoAccount                      State = "NoAccount"
	StateWaitForCDPCapableSecurityLevel State = "WaitForCDPCapableSecurityLevel"
	StateWaitingForCloudKitAccount      State = "WaitingForCloudKitAccount"
	StateWaitForCDP                     State = "WaitForCDP"
	StateUntrusted                      State = "Untrusted"
	StateReady                          State = "Ready"
	StateWaitForUnlock                  State = "WaitForUnlock"
	StateWaitForClassCUnlock            State = "WaitForClassCUnlock"
	StateInherited                      State = "Inherited"
)

// States lists every state in declaration order.
var States = []State{
	StateNotStarted,
	StateNoAccount,
	StateWaitForCDPCapableSecurityLevel,
	StateWaitingForCloudKitAccount,
	StateWaitForCDP,
	StateUntrusted,
	StateReady,
	StateWaitForUnlock,
	StateWaitForClassCUnlock,
	StateInherited,
}

// ParseState returns the state with the given name.
func ParseState(name string) (State, bool) {
	for _, s := range States {
		if string(s) == name {
			return s, true
		}
	}
	return "", false
}

// Trust derives the memoized trust state from the FSM state.
func (s State) Trust() store.TrustState {
	switch s {
	case StateReady:
		return store.TrustTrusted
	case StateUntrusted:
		return store.TrustUntrusted
	case StateInherited:
		return store.TrustInherited
	default:
		return store.TrustUnknown
	}
}

// stateError explains why an operation cannot run in state s.
func stateError(op string, s State, cloud account.CloudStatus) error {
	switch s {
	case StateNotStarted:
		return trusterr.Newf(trusterr.CodeInvalidState, "%s: context not started", op)
	case StateNoAccount:
		return trusterr.Newf(trusterr.CodeNotSignedIn, "%s: no account signed in", op)
	case StateWaitForCDPCapableSecurityLevel:
		return trusterr.Newf(trusterr.CodeNotCDPCapable, "%s: account security level does not support CDP", op)
	case StateWaitingForCloudKitAccount:
		if cloud == account.CloudNoAccount {
			return trusterr.Newf(trusterr.CodeNotSignedIn, "%s: no cloud account", op)
		}
		return trusterr.Newf(trusterr.CodeAccountStateUnknown, "%s: cloud account status unknown", op)
	case StateWaitForCDP:
		return trusterr.Newf(trusterr.CodeCDPNotEnabled, "%s: CDP is not enabled", op)
	case StateWaitForUnlock:
		return trusterr.Newf(trusterr.CodeKeychainLocked, "%s: waiting for keychain unlock", op)
	case StateWaitForClassCUnlock:
		return trusterr.Newf(trusterr.CodeKeychainClassCLocked, "%s: waiting for first unlock", op)
	case StateUntrusted:
		return trusterr.Newf(trusterr.CodeNotTrusted, "%s: device is not trusted", op)
	default:
		return trusterr.Newf(trusterr.CodeInvalidState, "%s: not allowed in state %s", op, s)
	}
}
