// Package peers projects a replication backend snapshot into the read-only
// "who do I trust / who trusts me" view used by status RPCs and by the
// settings merge.
//
// A View is a deterministic function of the snapshot it was built from. It
// has no write path: when trust changes or the backend signals new data,
// the owner fetches a fresh snapshot and builds a new View.
package peers

import (
	"sort"

	"github.com/roach88/trustsync/internal/settings"
)

// StableInfo is the slowly-changing, self-published part of a peer.
type StableInfo struct {
	DeviceName string       `json:"device_name,omitempty" yaml:"device_name,omitempty"`
	OSVersion  string       `json:"os_version,omitempty" yaml:"os_version,omitempty"`
	Settings   settings.Set `json:"settings,omitempty" yaml:"settings,omitempty"`
}

// Clone returns a deep copy of s.
func (s StableInfo) Clone() StableInfo {
	out := s
	out.Settings = s.Settings.Clone()
	return out
}

// DynamicInfo is a peer's current trust decisions.
type DynamicInfo struct {
	Included []string `json:"included,omitempty" yaml:"included,omitempty"`
	Excluded []string `json:"excluded,omitempty" yaml:"excluded,omitempty"`
}

// Peer is one member (or former member) of the clique.
type Peer struct {
	ID      string      `json:"id" yaml:"id"`
	Stable  StableInfo  `json:"stable" yaml:"stable"`
	Dynamic DynamicInfo `json:"dynamic" yaml:"dynamic"`
}

// TLKShare records that a view's TLK has been wrapped for a receiving peer.
type TLKShare struct {
	View           string `json:"view" yaml:"view"`
	SenderPeerID   string `json:"sender_peer_id" yaml:"sender_peer_id"`
	ReceiverPeerID string `json:"receiver_peer_id" yaml:"receiver_peer_id"`
}

// Snapshot is the backend's current ledger for one context.
type Snapshot struct {
	// SelfPeerID is the peer the backend associates with this device,
	// or "" if it knows of none.
	SelfPeerID string     `json:"self_peer_id,omitempty"`
	Peers      []Peer     `json:"peers"`
	TLKShares  []TLKShare `json:"tlk_shares,omitempty"`
}

// View is the read-only trust projection for one local peer.
type View struct {
	selfID    string
	self      *Peer
	peers     map[string]Peer
	included  []string
	excluded  []string
	trustedBy []string
	shares    []TLKShare
}

// Build projects snap from the point of view of selfID.
// An empty selfID, or one the snapshot does not contain, yields empty trust sets.
func Build(selfID string, snap Snapshot) *View {
	v := &View{
		selfID:    selfID,
		peers:     make(map[string]Peer, len(snap.Peers)),
		included:  []string{},
		excluded:  []string{},
		trustedBy: []string{},
		shares:    append([]TLKShare{}, snap.TLKShares...),
	}
	for _, p := range snap.Peers {
		v.peers[p.ID] = p
	}

	if self, ok := v.peers[selfID]; ok && selfID != "" {
		v.self = &self
		v.included = sortedUnique(self.Dynamic.Included)
		v.excluded = sortedUnique(self.Dynamic.Excluded)
	}

	if selfID != "" {
		for _, p := range snap.Peers {
			if p.ID == selfID {
				continue
			}
			for _, id := range p.Dynamic.Included {
				if id == selfID {
					v.trustedBy = append(v.trustedBy, p.ID)
					break
				}
			}
		}
		sort.Strings(v.trustedBy)
	}
	return v
}

// SelfID returns the peer ID the view was built for.
func (v *View) SelfID() string { return v.selfID }

// SelfExists reports whether the backend still knows the local peer.
func (v *View) SelfExists() bool { return v.self != nil }

// Self returns the local peer, if present.
func (v *View) Self() (Peer, bool) {
	if v.self == nil {
		return Peer{}, false
	}
	return *v.self, true
}

// Included returns the peers the local peer trusts, sorted.
func (v *View) Included() []string { return append([]string{}, v.included...) }

// Excluded returns the peers the local peer has distrusted, sorted.
func (v *View) Excluded() []string { return append([]string{}, v.excluded...) }

// TrustedBy returns the peers whose dynamic info includes the local peer, sorted.
func (v *View) TrustedBy() []string { return append([]string{}, v.trustedBy...) }

// Peer looks up any peer in the snapshot.
func (v *View) Peer(id string) (Peer, bool) {
	p, ok := v.peers[id]
	return p, ok
}

// Observations returns a setting as published by every included peer other
// than the local one. Peers that never published the setting are skipped.
func (v *View) Observations(name string) []settings.Observation {
	var out []settings.Observation
	for _, id := range v.included {
		if id == v.selfID {
			continue
		}
		p, ok := v.peers[id]
		if !ok {
			continue
		}
		if val, ok := p.Stable.Settings[name]; ok {
			out = append(out, settings.Observation{PeerID: id, Value: val})
		}
	}
	return out
}

// AccountSettings resolves every known setting across the local peer and
// its included peers.
func (v *View) AccountSettings() settings.Set {
	var local settings.Set
	if v.self != nil {
		local = v.self.Stable.Settings
	}
	out, _ := settings.MergeSet(local, v.Observations)
	return out
}

// RecoverableViews returns the views whose TLKs have been shared to peerID,
// sorted and de-duplicated.
func (v *View) RecoverableViews(peerID string) []string {
	var views []string
	for _, s := range v.shares {
		if s.ReceiverPeerID == peerID {
			views = append(views, s.View)
		}
	}
	return sortedUnique(views)
}

func sortedUnique(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
