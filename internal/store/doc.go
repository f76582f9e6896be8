// Package store provides SQLite-backed durable state for trust contexts.
//
// Two tables are kept:
//   - account_metadata: one row per (container, context), rewritten on
//     every trust transition and read back at start-up
//   - peer_keys: opaque key material for each locally prepared peer
//
// Every metadata write goes through UpdateMetadata, which runs the caller's
// mutation inside a single transaction so concurrent writers never lose an
// update. Rows carry a seq counter that increases by one per write.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Keychain wraps the key table with the lock states a device keychain can
// be in, so callers see KEYCHAIN_LOCKED and KEYCHAIN_CLASS_C_LOCKED the
// way they would on hardware.
package store
