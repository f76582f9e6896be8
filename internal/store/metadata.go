package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/trustsync/internal/account"
)

// TrustState is the persisted trust decision for a context.
type TrustState int

const (
	TrustUnknown TrustState = iota
	TrustTrusted
	TrustUntrusted
	// TrustInherited marks a context that adopted another account's
	// identity. It stays put until sign-out.
	TrustInherited
)

// String returns the state name.
func (s TrustState) String() string {
	switch s {
	case TrustTrusted:
		return "trusted"
	case TrustUntrusted:
		return "untrusted"
	case TrustInherited:
		return "inherited"
	default:
		return "unknown"
	}
}

// AttemptedJoin records whether this context ever tried to join a clique.
type AttemptedJoin int

const (
	AttemptedUnknown AttemptedJoin = iota
	Attempted
)

// String returns the value name.
func (a AttemptedJoin) String() string {
	if a == Attempted {
		return "attempted"
	}
	return "unknown"
}

// AccountMetadata is the durable per-context record.
type AccountMetadata struct {
	Container         string
	Context           string
	PeerID            string
	AltDSID           string
	CloudAccountState account.CloudStatus
	TrustState        TrustState
	AttemptedJoin     AttemptedJoin
	CDPEnabled        bool
	// Seq increases by one on every persisted write.
	Seq int64
}

// HasPeer reports whether a local peer ID is recorded.
func (m AccountMetadata) HasPeer() bool {
	return m.PeerID != ""
}

// LoadMetadata returns the metadata for (container, contextID).
// A context that was never written yields zero-valued metadata with the key
// fields filled in.
func (s *Store) LoadMetadata(ctx context.Context, container, contextID string) (AccountMetadata, error) {
	m, err := loadMetadata(ctx, s.db, container, contextID)
	if err != nil {
		return AccountMetadata{}, fmt.Errorf("load metadata %s/%s: %w", container, contextID, err)
	}
	return m, nil
}

// UpdateMetadata applies fn to the current metadata and persists the result
// in one transaction. If fn returns an error nothing is written.
func (s *Store) UpdateMetadata(ctx context.Context, container, contextID string, fn func(*AccountMetadata) error) (AccountMetadata, error) {
	var out AccountMetadata
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		m, err := loadMetadata(ctx, tx, container, contextID)
		if err != nil {
			return err
		}
		if err := fn(&m); err != nil {
			return err
		}
		m.Container = container
		m.Context = contextID
		m.Seq++

		_, err = tx.ExecContext(ctx, `
			INSERT INTO account_metadata
				(container, context_id, peer_id, altdsid, cloud_state, trust_state, attempted_join, cdp_enabled, seq)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(container, context_id) DO UPDATE SET
				peer_id = excluded.peer_id,
				altdsid = excluded.altdsid,
				cloud_state = excluded.cloud_state,
				trust_state = excluded.trust_state,
				attempted_join = excluded.attempted_join,
				cdp_enabled = excluded.cdp_enabled,
				seq = excluded.seq
		`, m.Container, m.Context, m.PeerID, m.AltDSID, int(m.CloudAccountState),
			int(m.TrustState), int(m.AttemptedJoin), m.CDPEnabled, m.Seq)
		if err != nil {
			return fmt.Errorf("write metadata: %w", err)
		}
		out = m
		return nil
	})
	if err != nil {
		return AccountMetadata{}, fmt.Errorf("update metadata %s/%s: %w", container, contextID, err)
	}
	return out, nil
}

// ListMetadata returns every persisted metadata row.
// Results are ordered by container, then context, for deterministic output.
func (s *Store) ListMetadata(ctx context.Context) ([]AccountMetadata, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT container, context_id, peer_id, altdsid, cloud_state, trust_state, attempted_join, cdp_enabled, seq
		FROM account_metadata
		ORDER BY container COLLATE BINARY ASC, context_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list metadata: %w", err)
	}
	defer rows.Close()

	var out []AccountMetadata
	for rows.Next() {
		m, err := scanMetadata(rows)
		if err != nil {
			return nil, fmt.Errorf("list metadata: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list metadata: %w", err)
	}
	return out, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func loadMetadata(ctx context.Context, q queryer, container, contextID string) (AccountMetadata, error) {
	row := q.QueryRowContext(ctx, `
		SELECT container, context_id, peer_id, altdsid, cloud_state, trust_state, attempted_join, cdp_enabled, seq
		FROM account_metadata
		WHERE container = ? AND context_id = ?
	`, container, contextID)
	m, err := scanMetadata(row)
	if errors.Is(err, sql.ErrNoRows) {
		return AccountMetadata{Container: container, Context: contextID}, nil
	}
	return m, err
}

func scanMetadata(s scanner) (AccountMetadata, error) {
	var (
		m                                  AccountMetadata
		cloudState, trustState, attempted int
	)
	if err := s.Scan(&m.Container, &m.Context, &m.PeerID, &m.AltDSID,
		&cloudState, &trustState, &attempted, &m.CDPEnabled, &m.Seq); err != nil {
		return AccountMetadata{}, err
	}
	m.CloudAccountState = account.CloudStatus(cloudState)
	m.TrustState = TrustState(trustState)
	m.AttemptedJoin = AttemptedJoin(attempted)
	return m, nil
}
