// Package cuttlefish defines the replication backend a trust context talks
// to, an in-memory implementation of it, and a bounded-retry wrapper.
//
// The backend owns the clique ledger: which peers exist, whom each one
// trusts, their published stable info, the TLK shares between them and the
// escrow records that can restore them. It is authoritative: when the local
// metadata and the backend disagree about who this device is, the backend
// wins.
package cuttlefish

import (
	"context"

	"github.com/roach88/trustsync/internal/escrow"
	"github.com/roach88/trustsync/internal/peers"
)

// ContextKey identifies one trust context on the device.
type ContextKey struct {
	Container string `json:"container" yaml:"container"`
	Context   string `json:"context" yaml:"context"`
}

// String returns "container/context".
func (k ContextKey) String() string {
	return k.Container + "/" + k.Context
}

// Identity is a freshly prepared local peer offered to the backend when
// joining or establishing.
type Identity struct {
	PeerID           string
	SigningPublic    []byte
	EncryptionPublic []byte
	Stable           peers.StableInfo
}

// Backend is the replication service a context consumes.
//
// Every call is keyed by the context so one backend can serve many
// contexts. Errors that trusterr.Retryable classifies as transient may be
// retried by the caller. Every other error is final.
type Backend interface {
	// Establish creates a new clique containing only id.
	Establish(ctx context.Context, key ContextKey, id Identity) (peers.Snapshot, error)

	// Reset discards the clique for key's container.
	Reset(ctx context.Context, key ContextKey) error

	// JoinWithVoucher joins an existing clique sponsored by the voucher.
	JoinWithVoucher(ctx context.Context, key ContextKey, id Identity, voucher string) (peers.Snapshot, error)

	// JoinWithBottle joins by restoring from an escrow record.
	JoinWithBottle(ctx context.Context, key ContextKey, id Identity, bottleID, secret string) (peers.Snapshot, error)

	// JoinWithRecoveryKey joins using the account recovery key.
	JoinWithRecoveryKey(ctx context.Context, key ContextKey, id Identity, recoveryKey string) (peers.Snapshot, error)

	// UpdateTrust republishes the local peer's stable info.
	UpdateTrust(ctx context.Context, key ContextKey, peerID string, stable peers.StableInfo) (peers.Snapshot, error)

	// Depart removes the local peer from the clique.
	Depart(ctx context.Context, key ContextKey, peerID string) error

	// FetchChanges returns the current ledger.
	FetchChanges(ctx context.Context, key ContextKey) (peers.Snapshot, error)

	// FetchViableBottles returns every escrow record for the account.
	FetchViableBottles(ctx context.Context, key ContextKey) ([]escrow.Record, error)
}

// Views whose TLKs are shared to every peer that joins.
var DefaultViews = []string{"Engram", "LimitedPeersAllowed", "Manatee"}
