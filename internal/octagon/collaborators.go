package octagon

import (
	"context"

	"github.com/google/uuid"

	"github.com/roach88/trustsync/internal/account"
	"github.com/roach88/trustsync/internal/store"
)

// MetadataStore persists AccountMetadata per context.
// *store.Store satisfies it.
type MetadataStore interface {
	// LoadMetadata returns zero-valued metadata for a context never written.
	LoadMetadata(ctx context.Context, container, contextID string) (store.AccountMetadata, error)

	// UpdateMetadata is an atomic read-modify-write.
	UpdateMetadata(ctx context.Context, container, contextID string, fn func(*store.AccountMetadata) error) (store.AccountMetadata, error)
}

// KeyCustody holds local key material.
// *store.Keychain and *store.Store satisfy it.
//
// LoadKeys fails with KEYS_NOT_FOUND, KEYCHAIN_LOCKED or
// KEYCHAIN_CLASS_C_LOCKED as appropriate.
type KeyCustody interface {
	StoreKeys(ctx context.Context, k store.KeyMaterial) error
	LoadKeys(ctx context.Context, peerID string) (store.KeyMaterial, error)
	DeleteKeys(ctx context.Context, peerID string) error
}

// AccountSource discovers the device's primary account.
type AccountSource interface {
	// PrimaryAltDSID returns the signed-in account, or an error with code
	// NO_PRIMARY_ACCOUNT if there is none.
	PrimaryAltDSID(ctx context.Context) (string, error)

	// SecurityLevel returns the account's security tier.
	SecurityLevel(ctx context.Context, altDSID string) (account.SecurityLevel, error)
}

// IDGenerator produces new peer IDs.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 identifiers.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
