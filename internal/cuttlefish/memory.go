package cuttlefish

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/trustsync/internal/escrow"
	"github.com/roach88/trustsync/internal/peers"
	"github.com/roach88/trustsync/internal/trusterr"
)

// Operation names accepted by Memory.FailNext.
const (
	OpEstablish           = "establish"
	OpReset               = "reset"
	OpJoinWithVoucher     = "join_with_voucher"
	OpJoinWithBottle      = "join_with_bottle"
	OpJoinWithRecoveryKey = "join_with_recovery_key"
	OpUpdateTrust         = "update_trust"
	OpDepart              = "depart"
	OpFetchChanges        = "fetch_changes"
	OpFetchViableBottles  = "fetch_viable_bottles"
)

// Memory is an in-process Backend shared by every context of a simulated
// account. Cliques are kept per container; each context maps to at most
// one self peer.
//
// Thread-safety: all methods are safe for concurrent use. Change
// subscribers are called after the lock is released.
type Memory struct {
	mu      sync.Mutex
	cliques map[string]*clique
	self    map[ContextKey]string
	fail    map[string][]error
	subs    []func(container string)
	now     func() time.Time
	logger  *slog.Logger
}

type clique struct {
	order       []string
	peers       map[string]*member
	shares      []peers.TLKShare
	legacy      []escrow.Record
	secrets     map[string]string
	recoveryKey string
}

type member struct {
	peer     peers.Peer
	departed bool
	bottle   escrow.Record
}

// MemoryOption configures a Memory backend.
type MemoryOption func(*Memory)

// WithMemoryClock sets the clock stamped on new escrow records.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// WithMemoryLogger sets the logger. Defaults to slog.Default().
func WithMemoryLogger(l *slog.Logger) MemoryOption {
	return func(m *Memory) {
		m.logger = l
	}
}

// NewMemory creates an empty backend.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		cliques: make(map[string]*clique),
		self:    make(map[ContextKey]string),
		fail:    make(map[string][]error),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe registers fn to be told whenever a container's ledger changes.
func (m *Memory) Subscribe(fn func(container string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// FailNext makes the next call to op fail with err. Calls queue up.
func (m *Memory) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[op] = append(m.fail[op], err)
}

// SetRecoveryKey registers the account recovery key for a container.
func (m *Memory) SetRecoveryKey(container, recoveryKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cliqueLocked(container).recoveryKey = recoveryKey
}

// SetEscrowSecret requires secret when joining from peerID's bottle.
func (m *Memory) SetEscrowSecret(container, peerID, secret string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cliqueLocked(container).secrets[peerID] = secret
}

// AddLegacyRecord adds an escrow record that has no bottle.
func (m *Memory) AddLegacyRecord(container string, rec escrow.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.cliqueLocked(container)
	rec.BottleID = ""
	c.legacy = append(c.legacy, rec)
}

// SetSelfPeerID overrides which peer the backend believes key is.
// An empty id forgets the mapping.
func (m *Memory) SetSelfPeerID(key ContextKey, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" {
		delete(m.self, key)
		return
	}
	m.self[key] = id
}

// RemovePeer erases a peer from the ledger as if another device had
// kicked it out and the record had since been garbage collected.
func (m *Memory) RemovePeer(container, peerID string) {
	m.mu.Lock()
	c := m.cliqueLocked(container)
	delete(c.peers, peerID)
	c.order = removeString(c.order, peerID)
	for _, mem := range c.peers {
		mem.peer.Dynamic.Included = removeString(mem.peer.Dynamic.Included, peerID)
	}
	m.mu.Unlock()
	m.notify(container)
}

// Establish implements Backend.
func (m *Memory) Establish(ctx context.Context, key ContextKey, id Identity) (peers.Snapshot, error) {
	m.mu.Lock()
	if err := m.takeFailureLocked(OpEstablish); err != nil {
		m.mu.Unlock()
		return peers.Snapshot{}, err
	}
	c := m.cliqueLocked(key.Container)
	if live := c.livePeers(); len(live) > 0 {
		m.mu.Unlock()
		return peers.Snapshot{}, trusterr.Newf(trusterr.CodeInvalidState,
			"clique for %s already has %d peers", key.Container, len(live))
	}

	m.addPeerLocked(c, key, id, nil)
	for _, view := range DefaultViews {
		c.shares = append(c.shares, peers.TLKShare{View: view, SenderPeerID: id.PeerID, ReceiverPeerID: id.PeerID})
	}
	snap := m.snapshotLocked(key)
	m.mu.Unlock()

	m.logger.Info("clique established", "context", key.String(), "peer_id", id.PeerID)
	m.notify(key.Container)
	return snap, nil
}

// Reset implements Backend.
func (m *Memory) Reset(ctx context.Context, key ContextKey) error {
	m.mu.Lock()
	if err := m.takeFailureLocked(OpReset); err != nil {
		m.mu.Unlock()
		return err
	}
	old := m.cliqueLocked(key.Container)
	fresh := newClique()
	fresh.legacy = old.legacy
	fresh.recoveryKey = old.recoveryKey
	m.cliques[key.Container] = fresh
	for k := range m.self {
		if k.Container == key.Container {
			delete(m.self, k)
		}
	}
	m.mu.Unlock()

	m.logger.Info("clique reset", "container", key.Container)
	m.notify(key.Container)
	return nil
}

// JoinWithVoucher implements Backend. The voucher names the sponsoring peer.
func (m *Memory) JoinWithVoucher(ctx context.Context, key ContextKey, id Identity, voucher string) (peers.Snapshot, error) {
	return m.join(key, id, OpJoinWithVoucher, func(c *clique) (string, error) {
		sponsor, ok := c.peers[voucher]
		if !ok || sponsor.departed {
			return "", trusterr.Newf(trusterr.CodeNotTrusted, "voucher from unknown peer %s", voucher)
		}
		return voucher, nil
	})
}

// JoinWithBottle implements Backend. The bottled peer sponsors the join.
func (m *Memory) JoinWithBottle(ctx context.Context, key ContextKey, id Identity, bottleID, secret string) (peers.Snapshot, error) {
	return m.join(key, id, OpJoinWithBottle, func(c *clique) (string, error) {
		for _, pid := range c.order {
			mem := c.peers[pid]
			if mem.bottle.BottleID != bottleID {
				continue
			}
			if mem.departed {
				return "", trusterr.Newf(trusterr.CodeNoRecovery, "bottle %s is no longer viable", bottleID)
			}
			if want, ok := c.secrets[pid]; ok && want != secret {
				return "", trusterr.Newf(trusterr.CodeNoRecovery, "wrong secret for bottle %s", bottleID)
			}
			return pid, nil
		}
		return "", trusterr.Newf(trusterr.CodeRecordNotFound, "no bottle %s", bottleID)
	})
}

// JoinWithRecoveryKey implements Backend. Any live peer sponsors the join.
func (m *Memory) JoinWithRecoveryKey(ctx context.Context, key ContextKey, id Identity, recoveryKey string) (peers.Snapshot, error) {
	return m.join(key, id, OpJoinWithRecoveryKey, func(c *clique) (string, error) {
		if c.recoveryKey == "" {
			return "", trusterr.New(trusterr.CodeNoRecovery, "no recovery key registered")
		}
		if c.recoveryKey != recoveryKey {
			return "", trusterr.New(trusterr.CodeNoRecovery, "recovery key does not match")
		}
		live := c.livePeers()
		if len(live) == 0 {
			return "", trusterr.New(trusterr.CodeNoRecovery, "no peer left to restore from")
		}
		return live[0], nil
	})
}

func (m *Memory) join(key ContextKey, id Identity, op string, sponsorOf func(*clique) (string, error)) (peers.Snapshot, error) {
	m.mu.Lock()
	if err := m.takeFailureLocked(op); err != nil {
		m.mu.Unlock()
		return peers.Snapshot{}, err
	}
	c := m.cliqueLocked(key.Container)
	sponsor, err := sponsorOf(c)
	if err != nil {
		m.mu.Unlock()
		return peers.Snapshot{}, err
	}

	live := c.livePeers()
	m.addPeerLocked(c, key, id, live)
	for _, pid := range live {
		mem := c.peers[pid]
		mem.peer.Dynamic.Included = appendUnique(mem.peer.Dynamic.Included, id.PeerID)
	}
	for _, view := range c.viewsHeldBy(sponsor) {
		c.shares = append(c.shares, peers.TLKShare{View: view, SenderPeerID: sponsor, ReceiverPeerID: id.PeerID})
	}
	snap := m.snapshotLocked(key)
	m.mu.Unlock()

	m.logger.Info("peer joined clique",
		"context", key.String(),
		"peer_id", id.PeerID,
		"sponsor", sponsor,
		"via", op,
	)
	m.notify(key.Container)
	return snap, nil
}

// UpdateTrust implements Backend.
func (m *Memory) UpdateTrust(ctx context.Context, key ContextKey, peerID string, stable peers.StableInfo) (peers.Snapshot, error) {
	m.mu.Lock()
	if err := m.takeFailureLocked(OpUpdateTrust); err != nil {
		m.mu.Unlock()
		return peers.Snapshot{}, err
	}
	c := m.cliqueLocked(key.Container)
	mem, ok := c.peers[peerID]
	if !ok || mem.departed {
		m.mu.Unlock()
		return peers.Snapshot{}, trusterr.Newf(trusterr.CodeNotTrusted, "peer %s is not in the clique", peerID)
	}
	mem.peer.Stable = stable.Clone()
	mem.bottle.DeviceName = stable.DeviceName
	mem.bottle.Build = stable.OSVersion
	snap := m.snapshotLocked(key)
	m.mu.Unlock()

	m.notify(key.Container)
	return snap, nil
}

// Depart implements Backend.
func (m *Memory) Depart(ctx context.Context, key ContextKey, peerID string) error {
	m.mu.Lock()
	if err := m.takeFailureLocked(OpDepart); err != nil {
		m.mu.Unlock()
		return err
	}
	c := m.cliqueLocked(key.Container)
	mem, ok := c.peers[peerID]
	if !ok {
		m.mu.Unlock()
		return trusterr.Newf(trusterr.CodeNotTrusted, "peer %s is not in the clique", peerID)
	}
	mem.departed = true
	mem.peer.Dynamic = peers.DynamicInfo{Excluded: []string{peerID}}
	for _, pid := range c.order {
		other := c.peers[pid]
		if pid == peerID || other.departed {
			continue
		}
		other.peer.Dynamic.Included = removeString(other.peer.Dynamic.Included, peerID)
		other.peer.Dynamic.Excluded = appendUnique(other.peer.Dynamic.Excluded, peerID)
	}
	if m.self[key] == peerID {
		delete(m.self, key)
	}
	m.mu.Unlock()

	m.logger.Info("peer departed clique", "context", key.String(), "peer_id", peerID)
	m.notify(key.Container)
	return nil
}

// FetchChanges implements Backend.
func (m *Memory) FetchChanges(ctx context.Context, key ContextKey) (peers.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailureLocked(OpFetchChanges); err != nil {
		return peers.Snapshot{}, err
	}
	return m.snapshotLocked(key), nil
}

// FetchViableBottles implements Backend. Records of departed peers are
// reported with ViabilityNone.
func (m *Memory) FetchViableBottles(ctx context.Context, key ContextKey) ([]escrow.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailureLocked(OpFetchViableBottles); err != nil {
		return nil, err
	}
	c := m.cliqueLocked(key.Container)
	out := append([]escrow.Record{}, c.legacy...)
	for _, pid := range c.order {
		mem := c.peers[pid]
		rec := mem.bottle
		rec.Viability = escrow.ViabilityFull
		if mem.departed {
			rec.Viability = escrow.ViabilityNone
		}
		out = append(out, rec)
	}
	return out, nil
}

func newClique() *clique {
	return &clique{
		peers:   make(map[string]*member),
		secrets: make(map[string]string),
	}
}

func (m *Memory) cliqueLocked(container string) *clique {
	c, ok := m.cliques[container]
	if !ok {
		c = newClique()
		m.cliques[container] = c
	}
	return c
}

func (m *Memory) takeFailureLocked(op string) error {
	queued := m.fail[op]
	if len(queued) == 0 {
		return nil
	}
	m.fail[op] = queued[1:]
	return queued[0]
}

func (m *Memory) addPeerLocked(c *clique, key ContextKey, id Identity, trusted []string) {
	included := append([]string{id.PeerID}, trusted...)
	sort.Strings(included)
	c.peers[id.PeerID] = &member{
		peer: peers.Peer{
			ID:      id.PeerID,
			Stable:  id.Stable.Clone(),
			Dynamic: peers.DynamicInfo{Included: included},
		},
		bottle: escrow.Record{
			Label:      fmt.Sprintf("com.apple.icdp.record.%s", id.PeerID),
			BottleID:   "bottle-" + id.PeerID,
			PeerID:     id.PeerID,
			DeviceName: id.Stable.DeviceName,
			Build:      id.Stable.OSVersion,
			CreatedAt:  m.now(),
		},
	}
	c.order = appendUnique(c.order, id.PeerID)
	m.self[key] = id.PeerID
}

func (m *Memory) snapshotLocked(key ContextKey) peers.Snapshot {
	c := m.cliqueLocked(key.Container)
	snap := peers.Snapshot{
		SelfPeerID: m.self[key],
		Peers:      make([]peers.Peer, 0, len(c.order)),
		TLKShares:  append([]peers.TLKShare{}, c.shares...),
	}
	for _, pid := range c.order {
		p := c.peers[pid].peer
		p.Stable = p.Stable.Clone()
		p.Dynamic = peers.DynamicInfo{
			Included: append([]string(nil), p.Dynamic.Included...),
			Excluded: append([]string(nil), p.Dynamic.Excluded...),
		}
		snap.Peers = append(snap.Peers, p)
	}
	return snap
}

func (m *Memory) notify(container string) {
	m.mu.Lock()
	subs := append([]func(string){}, m.subs...)
	m.mu.Unlock()
	for _, fn := range subs {
		fn(container)
	}
}

func (c *clique) livePeers() []string {
	var out []string
	for _, pid := range c.order {
		if !c.peers[pid].departed {
			out = append(out, pid)
		}
	}
	return out
}

func (c *clique) viewsHeldBy(peerID string) []string {
	seen := make(map[string]struct{})
	var views []string
	for _, s := range c.shares {
		if s.ReceiverPeerID != peerID {
			continue
		}
		if _, ok := seen[s.View]; ok {
			continue
		}
		seen[s.View] = struct{}{}
		views = append(views, s.View)
	}
	sort.Strings(views)
	return views
}

func appendUnique(list []string, s string) []string {
	for _, x := range list {
		if x == s {
			return list
		}
	}
	return append(list, s)
}

func removeString(list []string, s string) []string {
	out := list[:0:0]
	for _, x := range list {
		if x != s {
			out = append(out, x)
		}
	}
	return out
}
