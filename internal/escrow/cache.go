// Package escrow caches the results of the network-expensive "viable escrow
// records" query.
//
// A Cache holds at most one classified result per container. Fetch policy is
// chosen per call by Source:
//
//   - SourceCuttlefish always queries the network and overwrites the entry.
//   - SourceCache never queries the network; it serves the entry regardless
//     of TTL and fails with NO_ESCROW_CACHE when there is none.
//   - SourceDefault serves a live entry (now - fetchedAt < ttl) and otherwise
//     behaves as SourceCuttlefish.
//
// A Cache is not safe for concurrent use. It is owned by a single trust
// context and only touched from that context's serial queue.
package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/trustsync/internal/metrics"
	"github.com/roach88/trustsync/internal/trusterr"
)

// DefaultTTL is how long a fetched result satisfies SourceDefault reads.
const DefaultTTL = 10 * time.Minute

// Source selects the fetch policy.
type Source int

const (
	SourceDefault Source = iota
	SourceCache
	SourceCuttlefish
)

// String returns the source name used in logs and metrics.
func (s Source) String() string {
	switch s {
	case SourceDefault:
		return "default"
	case SourceCache:
		return "cache"
	case SourceCuttlefish:
		return "cuttlefish"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// ParseSource parses a source name as produced by String.
func ParseSource(s string) (Source, error) {
	switch s {
	case "", "default":
		return SourceDefault, nil
	case "cache":
		return SourceCache, nil
	case "cuttlefish":
		return SourceCuttlefish, nil
	}
	return SourceDefault, fmt.Errorf("unknown escrow fetch source %q", s)
}

// Fetcher issues the viable-records network query.
type Fetcher interface {
	FetchViableRecords(ctx context.Context) ([]Record, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context) ([]Record, error)

// FetchViableRecords calls f.
func (f FetcherFunc) FetchViableRecords(ctx context.Context) ([]Record, error) {
	return f(ctx)
}

// Cache is a TTL-gated cache of classified escrow records.
type Cache struct {
	fetcher Fetcher
	ttl     time.Duration
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *slog.Logger

	entry *Classified
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets how long a fetched result satisfies SourceDefault reads.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

// WithClock overrides the wall clock used for fetchedAt and TTL checks.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithMetrics records fetch outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = l
	}
}

// NewCache creates an empty cache backed by fetcher.
func NewCache(fetcher Fetcher, opts ...Option) *Cache {
	c := &Cache{
		fetcher: fetcher,
		ttl:     DefaultTTL,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch returns classified records according to source.
//
// Network errors propagate uncached and leave any existing entry untouched.
func (c *Cache) Fetch(ctx context.Context, source Source) (*Classified, error) {
	switch source {
	case SourceCache:
		if c.entry == nil {
			c.metrics.ObserveEscrowFetch(source.String(), "miss")
			return nil, trusterr.New(trusterr.CodeNoEscrowCache, "no escrow cache present")
		}
		c.metrics.ObserveEscrowFetch(source.String(), "hit")
		return c.entry.clone(), nil

	case SourceDefault:
		if c.live() {
			c.logger.Debug("escrow cache hit",
				"fetched_at", c.entry.FetchedAt,
				"records", len(c.entry.Records),
			)
			c.metrics.ObserveEscrowFetch(source.String(), "hit")
			return c.entry.clone(), nil
		}
		return c.refresh(ctx, source)

	case SourceCuttlefish:
		return c.refresh(ctx, source)

	default:
		return nil, fmt.Errorf("unknown escrow fetch source %d", int(source))
	}
}

// Invalidate empties the cache. The next SourceDefault read hits the network
// and the next SourceCache read fails with NO_ESCROW_CACHE.
func (c *Cache) Invalidate() {
	if c.entry != nil {
		c.logger.Info("escrow cache invalidated", "records", len(c.entry.Records))
	}
	c.entry = nil
}

// Entry returns a copy of the current entry, or nil if there is none.
func (c *Cache) Entry() *Classified {
	if c.entry == nil {
		return nil
	}
	return c.entry.clone()
}

// live reports whether an entry exists and is within its TTL.
func (c *Cache) live() bool {
	if c.entry == nil {
		return false
	}
	return c.now().Sub(c.entry.FetchedAt) < c.ttl
}

func (c *Cache) refresh(ctx context.Context, source Source) (*Classified, error) {
	records, err := c.fetcher.FetchViableRecords(ctx)
	if err != nil {
		c.metrics.ObserveEscrowFetch(source.String(), "error")
		c.logger.Warn("escrow record fetch failed",
			"source", source.String(),
			"error", err,
		)
		return nil, fmt.Errorf("fetch viable escrow records: %w", err)
	}

	classified := Classify(records, c.now())
	c.entry = classified
	c.metrics.ObserveEscrowFetch(source.String(), "fetched")

	c.logger.Info("escrow cache populated",
		"source", source.String(),
		"records", len(classified.Records),
		"legacy", len(classified.Legacy),
		"partial", len(classified.PartiallyViable),
		"full", len(classified.FullyViable),
	)

	return classified.clone(), nil
}
