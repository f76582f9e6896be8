// Package settings implements last-writer-wins resolution of account-wide
// boolean settings replicated through every peer's stable info.
//
// Ordering uses a per-setting logical clock, never wall time. Each peer
// publishes (value, clock) for every setting it has observed; the account's
// effective value is the one carrying the highest clock. An explicit local
// change always publishes max(known)+1 and therefore wins outright.
//
// Everything here is a pure function of its inputs: no I/O, no locking.
package settings

import (
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/trustsync/internal/trusterr"
)

// Known setting names.
const (
	Walrus    = "walrus"
	WebAccess = "webAccess"
)

// Known lists every setting the engine replicates, in stable order.
var Known = []string{Walrus, WebAccess}

// Value is one peer's view of a setting.
type Value struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Clock   uint64 `json:"clock" yaml:"clock"`
}

// Observation is a setting value as published by a specific peer.
type Observation struct {
	PeerID string
	Value  Value
}

// Set maps setting names to values, as carried in a peer's stable info.
type Set map[string]Value

// Clone returns a copy of s. A nil Set clones to an empty one.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Names returns the setting names in s, sorted.
func (s Set) Names() []string {
	names := make([]string, 0, len(s))
	for k := range s {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// CanonicalName normalizes a setting name to NFC with surrounding space removed.
func CanonicalName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

// Validate canonicalizes name and checks it against the known settings.
func Validate(name string) (string, error) {
	canonical := CanonicalName(name)
	for _, k := range Known {
		if k == canonical {
			return canonical, nil
		}
	}
	return "", trusterr.Newf(trusterr.CodeUnknownSetting, "unknown account setting %q", name)
}

// Resolve computes the effective value across observations.
//
// The strictly highest clock wins. When several observations share the
// maximum clock but disagree, the result is enabled. Returns false if there
// are no observations.
func Resolve(observations []Observation) (Value, bool) {
	var best Value
	found := false
	for _, o := range observations {
		switch {
		case !found || o.Value.Clock > best.Clock:
			best = o.Value
			found = true
		case o.Value.Clock == best.Clock:
			best.Enabled = best.Enabled || o.Value.Enabled
		}
	}
	return best, found
}

// Resolution is the outcome of merging a local value with the peer snapshot.
type Resolution struct {
	// Effective is the account's current value. Zero if Known is false.
	Effective Value

	// Known is false when no peer has ever published the setting.
	Known bool

	// Publish is the value the local peer must adopt to converge,
	// or nil if it already agrees.
	Publish *Value
}

// Merge resolves a setting from the local peer's last value (nil if it has
// never held one) and the values published by the other peers.
//
// Merging never advances a clock: a local peer that must converge adopts the
// effective value and clock verbatim.
func Merge(local *Value, observations []Observation) Resolution {
	all := observations
	if local != nil {
		all = append(make([]Observation, 0, len(observations)+1), observations...)
		all = append(all, Observation{Value: *local})
	}

	eff, ok := Resolve(all)
	if !ok {
		return Resolution{}
	}

	res := Resolution{Effective: eff, Known: true}
	if local == nil || *local != eff {
		publish := eff
		res.Publish = &publish
	}
	return res
}

// Next returns the value to publish for an explicit local change: the
// requested value at one past the highest clock seen anywhere.
func Next(requested bool, local *Value, observations []Observation) Value {
	var maxClock uint64
	if local != nil {
		maxClock = local.Clock
	}
	for _, o := range observations {
		if o.Value.Clock > maxClock {
			maxClock = o.Value.Clock
		}
	}
	return Value{Enabled: requested, Clock: maxClock + 1}
}

// MergeSet merges every known setting, plus any already present in local.
// observe returns the other peers' observations for a setting name.
//
// The returned Set holds the effective value for each resolved setting and
// the bool reports whether it differs from local (a republish is needed).
func MergeSet(local Set, observe func(name string) []Observation) (Set, bool) {
	names := make(map[string]struct{}, len(Known)+len(local))
	for _, k := range Known {
		names[k] = struct{}{}
	}
	for k := range local {
		names[k] = struct{}{}
	}

	out := make(Set, len(names))
	changed := false
	for name := range names {
		var localValue *Value
		if v, ok := local[name]; ok {
			localValue = &v
		}
		res := Merge(localValue, observe(name))
		if !res.Known {
			continue
		}
		out[name] = res.Effective
		if res.Publish != nil {
			changed = true
		}
	}
	return out, changed
}
