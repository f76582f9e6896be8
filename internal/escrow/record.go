package escrow

import (
	"log/slog"
	"time"
)

// Viability is the backend's judgement of whether a record can be used for recovery.
type Viability int

const (
	ViabilityNone Viability = iota
	ViabilityPartial
	ViabilityFull
)

// String returns the viability name.
func (v Viability) String() string {
	switch v {
	case ViabilityPartial:
		return "partial"
	case ViabilityFull:
		return "full"
	default:
		return "none"
	}
}

// Record is an escrowed backup of a peer's key material.
// Records without a BottleID predate bottles and are classified as legacy.
type Record struct {
	Label              string    `json:"label" yaml:"label"`
	BottleID           string    `json:"bottle_id,omitempty" yaml:"bottle_id,omitempty"`
	PeerID             string    `json:"peer_id,omitempty" yaml:"peer_id,omitempty"`
	PasscodeGeneration uint64    `json:"passcode_generation" yaml:"passcode_generation"`
	DeviceName         string    `json:"device_name,omitempty" yaml:"device_name,omitempty"`
	Build              string    `json:"build,omitempty" yaml:"build,omitempty"`
	SerialNumber       string    `json:"serial_number,omitempty" yaml:"serial_number,omitempty"`
	Viability          Viability `json:"viability" yaml:"viability"`
	CreatedAt          time.Time `json:"created_at" yaml:"created_at"`
}

// Legacy reports whether the record predates bottles.
func (r Record) Legacy() bool {
	return r.BottleID == ""
}

// ID returns the identifier callers use to refer to the record:
// the bottle ID when present, otherwise the label.
func (r Record) ID() string {
	if r.BottleID != "" {
		return r.BottleID
	}
	return r.Label
}

// Classified is a fetch result split by recovery viability.
// Every record in Records appears in exactly one of the class slices.
type Classified struct {
	Records         []Record  `json:"records"`
	Legacy          []Record  `json:"legacy"`
	PartiallyViable []Record  `json:"partially_viable"`
	FullyViable     []Record  `json:"fully_viable"`
	FetchedAt       time.Time `json:"fetched_at"`
}

// Find returns the record whose ID matches id.
func (c *Classified) Find(id string) (Record, bool) {
	for _, r := range c.Records {
		if r.ID() == id || r.Label == id {
			return r, true
		}
	}
	return Record{}, false
}

// Classify splits records into legacy, partially viable and fully viable.
// Non-viable bottled records are not recovery candidates and are dropped.
func Classify(records []Record, fetchedAt time.Time) *Classified {
	c := &Classified{
		Records:         []Record{},
		Legacy:          []Record{},
		PartiallyViable: []Record{},
		FullyViable:     []Record{},
		FetchedAt:       fetchedAt,
	}
	for _, r := range records {
		switch {
		case r.Legacy():
			c.Legacy = append(c.Legacy, r)
		case r.Viability == ViabilityFull:
			c.FullyViable = append(c.FullyViable, r)
		case r.Viability == ViabilityPartial:
			c.PartiallyViable = append(c.PartiallyViable, r)
		default:
			slog.Debug("dropping non-viable escrow record",
				"bottle_id", r.BottleID,
				"label", r.Label,
			)
			continue
		}
		c.Records = append(c.Records, r)
	}
	return c
}

func (c *Classified) clone() *Classified {
	return &Classified{
		Records:         append([]Record{}, c.Records...),
		Legacy:          append([]Record{}, c.Legacy...),
		PartiallyViable: append([]Record{}, c.PartiallyViable...),
		FullyViable:     append([]Record{}, c.FullyViable...),
		FetchedAt:       c.FetchedAt,
	}
}
