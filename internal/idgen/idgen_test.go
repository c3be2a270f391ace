package idgen_test

import (
	"crewlink/backend/internal/idgen"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stepClock returns base for the first n reads, then base+1ms forever.
type stepClock struct {
	mu    sync.Mutex
	base  time.Time
	n     int
	reads int
}

func (c *stepClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	if c.reads <= c.n {
		return c.base
	}
	return c.base.Add(time.Millisecond)
}

// manualClock is set explicitly by the test.
type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func TestNew_RejectsOutOfRangeNode(t *testing.T) {
	_, err := idgen.New(-1)
	assert.ErrorIs(t, err, idgen.ErrInvalidNodeID)

	_, err = idgen.New(idgen.MaxNodeID + 1)
	assert.ErrorIs(t, err, idgen.ErrInvalidNodeID)

	g, err := idgen.New(idgen.MaxNodeID)
	require.NoError(t, err)
	assert.Equal(t, int64(idgen.MaxNodeID), g.NodeID())
}

func TestNextID_StrictlyIncreasing(t *testing.T) {
	g, err := idgen.New(7)
	require.NoError(t, err)

	var prev uint64
	for i := 0; i < 20000; i++ {
		id, err := g.NextID()
		require.NoError(t, err)
		require.Greater(t, id, prev, "iteration %d", i)
		prev = id
	}
}

func TestNextID_ConcurrentUniqueAndPerCallerOrdered(t *testing.T) {
	g, err := idgen.New(3)
	require.NoError(t, err)

	const workers = 8
	const perWorker = 5000

	results := make([][]uint64, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			ids := make([]uint64, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				id, err := g.NextID()
				if err != nil {
					t.Errorf("worker %d: %v", w, err)
					return
				}
				ids = append(ids, id)
			}
			results[w] = ids
		}(w)
	}
	wg.Wait()

	seen := make(map[uint64]struct{}, workers*perWorker)
	for _, ids := range results {
		for i, id := range ids {
			if i > 0 {
				assert.Greater(t, id, ids[i-1])
			}
			_, dup := seen[id]
			require.False(t, dup, "duplicate id %d", id)
			seen[id] = struct{}{}
		}
	}
	assert.Len(t, seen, workers*perWorker)
}

func TestNextID_SameMillisecondDiffersOnlyInSequence(t *testing.T) {
	base := idgen.DefaultEpoch.Add(time.Hour)
	clock := &manualClock{t: base}
	g, err := idgen.New(12, idgen.WithClock(clock.now))
	require.NoError(t, err)

	a, err := g.NextID()
	require.NoError(t, err)
	b, err := g.NextID()
	require.NoError(t, err)

	assert.Equal(t, g.ExtractTimestamp(a), g.ExtractTimestamp(b))
	assert.Equal(t, idgen.ExtractNodeID(a), idgen.ExtractNodeID(b))
	assert.Equal(t, int64(0), idgen.ExtractSequence(a))
	assert.Equal(t, int64(1), idgen.ExtractSequence(b))
	assert.Equal(t, uint64(1), b-a)
}

func TestNextID_SequenceExhaustionWaitsForNextMillisecond(t *testing.T) {
	base := idgen.DefaultEpoch.Add(42 * time.Second)
	// 4097 NextID reads plus a few spins inside the wait loop.
	clock := &stepClock{base: base, n: idgen.MaxSequence + 1 + 5}

	exhausted := 0
	g, err := idgen.New(1, idgen.WithClock(clock.now), idgen.WithHooks(nil, func() { exhausted++ }))
	require.NoError(t, err)

	var last uint64
	for i := 0; i <= idgen.MaxSequence; i++ {
		last, err = g.NextID()
		require.NoError(t, err)
		require.Equal(t, base.UnixMilli(), g.ExtractTimestamp(last))
	}
	assert.Equal(t, int64(idgen.MaxSequence), idgen.ExtractSequence(last))
	assert.Zero(t, exhausted)

	next, err := g.NextID()
	require.NoError(t, err)
	assert.Equal(t, base.UnixMilli()+1, g.ExtractTimestamp(next))
	assert.Equal(t, int64(0), idgen.ExtractSequence(next))
	assert.Greater(t, next, last)
	assert.Equal(t, 1, exhausted)
}

func TestNextID_ClockRegressionIsFatal(t *testing.T) {
	base := idgen.DefaultEpoch.Add(time.Minute)
	clock := &manualClock{t: base}
	g, err := idgen.New(5, idgen.WithClock(clock.now))
	require.NoError(t, err)

	first, err := g.NextID()
	require.NoError(t, err)

	clock.set(base.Add(-time.Millisecond))
	id, err := g.NextID()
	assert.ErrorIs(t, err, idgen.ErrClockMovedBackwards)
	assert.Zero(t, id)

	// Recovers once the clock catches up, without reusing the earlier id.
	clock.set(base)
	again, err := g.NextID()
	require.NoError(t, err)
	assert.Greater(t, again, first)
}

func TestNextID_BeforeEpochOverflows(t *testing.T) {
	clock := &manualClock{t: idgen.DefaultEpoch.Add(-time.Second)}
	g, err := idgen.New(0, idgen.WithClock(clock.now))
	require.NoError(t, err)

	_, err = g.NextID()
	assert.ErrorIs(t, err, idgen.ErrTimestampOverflow)
}

func TestExtract_RoundTrip(t *testing.T) {
	epoch := time.Date(2020, time.March, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		node int64
		at   time.Time
	}{
		{"node zero at epoch", 0, epoch},
		{"max node", idgen.MaxNodeID, epoch.Add(1234567 * time.Millisecond)},
		{"far future", 512, epoch.Add(30 * 365 * 24 * time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := &manualClock{t: tt.at}
			g, err := idgen.New(tt.node, idgen.WithEpoch(epoch), idgen.WithClock(clock.now))
			require.NoError(t, err)

			for seq := int64(0); seq < 3; seq++ {
				id, err := g.NextID()
				require.NoError(t, err)

				assert.Equal(t, tt.at.UnixMilli(), g.ExtractTimestamp(id))
				assert.Equal(t, tt.node, idgen.ExtractNodeID(id))
				assert.Equal(t, seq, idgen.ExtractSequence(id))
				assert.True(t, tt.at.Equal(g.ExtractTime(id)))
				assert.Equal(t, id, idgen.Compose(tt.at.UnixMilli()-epoch.UnixMilli(), tt.node, seq))

				parts := g.Decompose(id)
				assert.Equal(t, id, parts.ID)
				assert.Equal(t, tt.node, parts.NodeID)
				assert.Equal(t, seq, parts.Sequence)
			}
		})
	}
}

func TestIDs_DistinctNodesNeverCollide(t *testing.T) {
	at := idgen.DefaultEpoch.Add(time.Hour)
	clock := &manualClock{t: at}
	a, err := idgen.New(1, idgen.WithClock(clock.now))
	require.NoError(t, err)
	b, err := idgen.New(2, idgen.WithClock(clock.now))
	require.NoError(t, err)

	seen := map[uint64]bool{}
	for i := 0; i < 1000; i++ {
		x := a.MustNextID()
		y := b.MustNextID()
		require.False(t, seen[x])
		require.False(t, seen[y])
		seen[x], seen[y] = true, true
		clock.set(clock.now().Add(time.Millisecond))
	}
}

func TestIDs_HighBitUnused(t *testing.T) {
	g, err := idgen.New(idgen.MaxNodeID)
	require.NoError(t, err)
	id := g.MustNextID()
	assert.Zero(t, id>>63)
}
