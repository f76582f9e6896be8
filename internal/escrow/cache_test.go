package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/trustsync/internal/metrics"
	tu "github.com/roach88/trustsync/internal/testutil"
	"github.com/roach88/trustsync/internal/trusterr"
)

// countingFetcher returns canned records and counts network calls.
type countingFetcher struct {
	records []Record
	err     error
	calls   int
}

func (f *countingFetcher) FetchViableRecords(ctx context.Context) ([]Record, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]Record{}, f.records...), nil
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleRecords() []Record {
	return []Record{
		{Label: "legacy-1", DeviceName: "old phone"},
		{Label: "r-full", BottleID: "bottle-full", PeerID: "peer-a", Viability: ViabilityFull},
		{Label: "r-part", BottleID: "bottle-part", PeerID: "peer-b", Viability: ViabilityPartial},
		{Label: "r-dead", BottleID: "bottle-dead", PeerID: "peer-c", Viability: ViabilityNone},
	}
}

func newTestCache(f Fetcher, ttl time.Duration) (*Cache, *tu.ManualClock, *metrics.Metrics) {
	clock := tu.NewManualClock(epoch)
	m := metrics.New(nil)
	c := NewCache(f, WithTTL(ttl), WithClock(clock.Now), WithMetrics(m))
	return c, clock, m
}

func TestClassify(t *testing.T) {
	c := Classify(sampleRecords(), epoch)

	require.Len(t, c.Records, 3)
	require.Len(t, c.Legacy, 1)
	require.Len(t, c.PartiallyViable, 1)
	require.Len(t, c.FullyViable, 1)
	assert.Equal(t, "legacy-1", c.Legacy[0].Label)
	assert.Equal(t, "bottle-part", c.PartiallyViable[0].BottleID)
	assert.Equal(t, "bottle-full", c.FullyViable[0].BottleID)
	assert.Equal(t, epoch, c.FetchedAt)

	_, ok := c.Find("bottle-dead")
	assert.False(t, ok)
	r, ok := c.Find("legacy-1")
	require.True(t, ok)
	assert.True(t, r.Legacy())
}

func TestFetch_CacheWithoutEntryFails(t *testing.T) {
	f := &countingFetcher{records: sampleRecords()}
	c, _, m := newTestCache(f, time.Minute)

	_, err := c.Fetch(context.Background(), SourceCache)
	require.Error(t, err)
	assert.True(t, trusterr.Is(err, trusterr.CodeNoEscrowCache))
	assert.Equal(t, 0, f.calls, "cache-only reads never touch the network")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EscrowFetches().WithLabelValues("cache", "miss")))
}

func TestFetch_CacheAfterInvalidateFails(t *testing.T) {
	f := &countingFetcher{records: sampleRecords()}
	c, _, _ := newTestCache(f, time.Minute)

	_, err := c.Fetch(context.Background(), SourceCuttlefish)
	require.NoError(t, err)

	c.Invalidate()
	assert.Nil(t, c.Entry())

	_, err = c.Fetch(context.Background(), SourceCache)
	assert.True(t, trusterr.Is(err, trusterr.CodeNoEscrowCache))
}

func TestFetch_EmptyResultIsCached(t *testing.T) {
	f := &countingFetcher{}
	c, _, _ := newTestCache(f, time.Minute)

	got, err := c.Fetch(context.Background(), SourceCuttlefish)
	require.NoError(t, err)
	assert.Empty(t, got.Records)

	got, err = c.Fetch(context.Background(), SourceCache)
	require.NoError(t, err, "zero records is a valid cached result")
	assert.NotNil(t, got.Records)
	assert.Empty(t, got.Records)
	assert.Equal(t, 1, f.calls)
}

func TestFetch_DefaultHonorsTTL(t *testing.T) {
	f := &countingFetcher{records: sampleRecords()}
	c, clock, m := newTestCache(f, 10*time.Minute)
	ctx := context.Background()

	_, err := c.Fetch(ctx, SourceDefault)
	require.NoError(t, err)
	assert.Equal(t, 1, f.calls, "cold cache hits the network")

	clock.Advance(9 * time.Minute)
	_, err = c.Fetch(ctx, SourceDefault)
	require.NoError(t, err)
	assert.Equal(t, 1, f.calls, "live entry served without a network call")

	clock.Advance(time.Minute)
	_, err = c.Fetch(ctx, SourceDefault)
	require.NoError(t, err)
	assert.Equal(t, 2, f.calls, "expired entry refetched exactly once")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EscrowFetches().WithLabelValues("default", "hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EscrowFetches().WithLabelValues("default", "fetched")))
}

func TestFetch_CacheIgnoresTTL(t *testing.T) {
	f := &countingFetcher{records: sampleRecords()}
	c, clock, _ := newTestCache(f, time.Minute)

	_, err := c.Fetch(context.Background(), SourceCuttlefish)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	got, err := c.Fetch(context.Background(), SourceCache)
	require.NoError(t, err)
	assert.Len(t, got.Records, 3)
	assert.Equal(t, epoch, got.FetchedAt)
	assert.Equal(t, 1, f.calls)
}

func TestFetch_CuttlefishAlwaysFetches(t *testing.T) {
	f := &countingFetcher{records: sampleRecords()}
	c, clock, _ := newTestCache(f, time.Hour)
	ctx := context.Background()

	_, err := c.Fetch(ctx, SourceCuttlefish)
	require.NoError(t, err)
	clock.Advance(time.Second)

	f.records = f.records[:1]
	got, err := c.Fetch(ctx, SourceCuttlefish)
	require.NoError(t, err)
	assert.Equal(t, 2, f.calls)
	assert.Len(t, got.Records, 1)
	assert.Equal(t, epoch.Add(time.Second), got.FetchedAt, "overwrite sets a new fetchedAt")
}

func TestFetch_DefaultAfterInvalidateIsCold(t *testing.T) {
	f := &countingFetcher{records: sampleRecords()}
	c, _, _ := newTestCache(f, time.Hour)
	ctx := context.Background()

	_, err := c.Fetch(ctx, SourceDefault)
	require.NoError(t, err)
	c.Invalidate()

	_, err = c.Fetch(ctx, SourceDefault)
	require.NoError(t, err)
	assert.Equal(t, 2, f.calls)
}

func TestFetch_ErrorLeavesEntryUntouched(t *testing.T) {
	f := &countingFetcher{records: sampleRecords()}
	c, clock, m := newTestCache(f, time.Minute)
	ctx := context.Background()

	_, err := c.Fetch(ctx, SourceCuttlefish)
	require.NoError(t, err)

	f.err = trusterr.New(trusterr.CodeNetworkUnreachable, "offline")
	clock.Advance(time.Hour)

	_, err = c.Fetch(ctx, SourceDefault)
	require.Error(t, err)
	assert.True(t, trusterr.Is(err, trusterr.CodeNetworkUnreachable))

	got, err := c.Fetch(ctx, SourceCache)
	require.NoError(t, err)
	assert.Len(t, got.Records, 3)
	assert.Equal(t, epoch, got.FetchedAt)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EscrowFetches().WithLabelValues("default", "error")))
}

func TestFetch_ErrorOnColdCacheStaysCold(t *testing.T) {
	f := &countingFetcher{err: errors.New("boom")}
	c, _, _ := newTestCache(f, time.Minute)

	_, err := c.Fetch(context.Background(), SourceDefault)
	require.Error(t, err)

	_, err = c.Fetch(context.Background(), SourceCache)
	assert.True(t, trusterr.Is(err, trusterr.CodeNoEscrowCache))
}

func TestFetch_ReturnsCopies(t *testing.T) {
	f := &countingFetcher{records: sampleRecords()}
	c, _, _ := newTestCache(f, time.Minute)

	got, err := c.Fetch(context.Background(), SourceCuttlefish)
	require.NoError(t, err)
	got.Records[0].Label = "mutated"

	again, err := c.Fetch(context.Background(), SourceCache)
	require.NoError(t, err)
	assert.Equal(t, "legacy-1", again.Records[0].Label)
}

func TestParseSource(t *testing.T) {
	for _, s := range []Source{SourceDefault, SourceCache, SourceCuttlefish} {
		parsed, err := ParseSource(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	_, err := ParseSource("disk")
	assert.Error(t, err)
}
