package store

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/curve25519"

	"github.com/roach88/trustsync/internal/trusterr"
)

// KeyMaterial is the opaque local key set for one peer.
// Nothing in this module interprets the bytes beyond generating them.
type KeyMaterial struct {
	PeerID           string
	SigningKey       []byte
	EncryptionKey    []byte
	EncryptionPublic []byte
}

// SigningPublic returns the public half of the signing key.
func (k KeyMaterial) SigningPublic() []byte {
	if len(k.SigningKey) != ed25519.PrivateKeySize {
		return nil
	}
	return append([]byte(nil), ed25519.PrivateKey(k.SigningKey).Public().(ed25519.PublicKey)...)
}

// GenerateKeyMaterial creates a fresh signing and encryption key pair for
// peerID, reading entropy from rand.
func GenerateKeyMaterial(peerID string, rand io.Reader) (KeyMaterial, error) {
	_, signing, err := ed25519.GenerateKey(rand)
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("generate signing key: %w", err)
	}

	scalar := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand, scalar); err != nil {
		return KeyMaterial{}, fmt.Errorf("generate encryption key: %w", err)
	}
	public, err := curve25519.X25519(scalar, curve25519.Basepoint)
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("derive encryption public key: %w", err)
	}

	return KeyMaterial{
		PeerID:           peerID,
		SigningKey:       signing,
		EncryptionKey:    scalar,
		EncryptionPublic: public,
	}, nil
}

// StoreKeys persists k, replacing any keys already held for k.PeerID.
func (s *Store) StoreKeys(ctx context.Context, k KeyMaterial) error {
	if k.PeerID == "" {
		return errors.New("store keys: empty peer ID")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO peer_keys (peer_id, signing_key, encryption_key, encryption_public)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			signing_key = excluded.signing_key,
			encryption_key = excluded.encryption_key,
			encryption_public = excluded.encryption_public
	`, k.PeerID, k.SigningKey, k.EncryptionKey, k.EncryptionPublic)
	if err != nil {
		return fmt.Errorf("store keys for %s: %w", k.PeerID, err)
	}
	return nil
}

// LoadKeys returns the keys held for peerID.
// Returns a KEYS_NOT_FOUND error if there are none.
func (s *Store) LoadKeys(ctx context.Context, peerID string) (KeyMaterial, error) {
	k := KeyMaterial{PeerID: peerID}
	err := s.db.QueryRowContext(ctx, `
		SELECT signing_key, encryption_key, encryption_public
		FROM peer_keys
		WHERE peer_id = ?
	`, peerID).Scan(&k.SigningKey, &k.EncryptionKey, &k.EncryptionPublic)
	if errors.Is(err, sql.ErrNoRows) {
		return KeyMaterial{}, trusterr.Newf(trusterr.CodeKeysNotFound, "no keys for peer %s", peerID)
	}
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("load keys for %s: %w", peerID, err)
	}
	return k, nil
}

// DeleteKeys removes any keys held for peerID. Deleting absent keys is not an error.
func (s *Store) DeleteKeys(ctx context.Context, peerID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM peer_keys WHERE peer_id = ?`, peerID); err != nil {
		return fmt.Errorf("delete keys for %s: %w", peerID, err)
	}
	return nil
}

// LockState is the availability of the keychain.
type LockState int

const (
	Unlocked LockState = iota
	// Locked hides every item until the next unlock.
	Locked
	// ClassCLocked means the device has not been unlocked since boot.
	ClassCLocked
)

// String returns the lock state name.
func (l LockState) String() string {
	switch l {
	case Locked:
		return "locked"
	case ClassCLocked:
		return "class_c_locked"
	default:
		return "unlocked"
	}
}

// Keychain gates access to the key table behind a device lock state.
// While locked, reads and writes fail with the matching keychain code.
// Deletes always succeed so sign-out can clean up.
type Keychain struct {
	store *Store

	mu    sync.Mutex
	state LockState
}

// NewKeychain returns an unlocked keychain backed by s.
func NewKeychain(s *Store) *Keychain {
	return &Keychain{store: s}
}

// SetLockState changes the lock state.
func (k *Keychain) SetLockState(state LockState) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.state = state
}

// LockState returns the current lock state.
func (k *Keychain) LockState() LockState {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

func (k *Keychain) checkUnlocked(peerID string) error {
	switch k.LockState() {
	case Locked:
		return trusterr.Newf(trusterr.CodeKeychainLocked, "keychain locked reading keys for %s", peerID)
	case ClassCLocked:
		return trusterr.Newf(trusterr.CodeKeychainClassCLocked, "keychain not unlocked since boot reading keys for %s", peerID)
	}
	return nil
}

// StoreKeys persists km if the keychain is unlocked.
func (k *Keychain) StoreKeys(ctx context.Context, km KeyMaterial) error {
	if err := k.checkUnlocked(km.PeerID); err != nil {
		return err
	}
	return k.store.StoreKeys(ctx, km)
}

// LoadKeys reads the keys for peerID if the keychain is unlocked.
func (k *Keychain) LoadKeys(ctx context.Context, peerID string) (KeyMaterial, error) {
	if err := k.checkUnlocked(peerID); err != nil {
		return KeyMaterial{}, err
	}
	return k.store.LoadKeys(ctx, peerID)
}

// DeleteKeys removes the keys for peerID regardless of lock state.
func (k *Keychain) DeleteKeys(ctx context.Context, peerID string) error {
	return k.store.DeleteKeys(ctx, peerID)
}
