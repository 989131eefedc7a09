package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type smallPayload struct {
	a, b int32
}

func TestNewRoundsUpToChunkMultiple(t *testing.T) {
	p, err := New(10, 4)
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, 3, p.Locations()) // 10 -> rounded to 12, /4 = 3
}

func TestAllocateOneChunkPlusPadding(t *testing.T) {
	p, err := New(64, 4)
	require.NoError(t, err)
	defer p.Close()

	addr, ok := p.AllocateRaw(4, 1)
	require.True(t, ok)
	require.False(t, addr.IsNull())

	info := p.ContainsInfo(addr)
	assert.Equal(t, InRangeAllocatedStart, info.Found)
	assert.Equal(t, info.Location, info.StartLocation)

	// One chunk of payload plus one chunk of one-past-the-end padding.
	assert.True(t, p.inuse.Get(0))
	assert.True(t, p.inuse.Get(1))
	assert.False(t, p.inuse.Get(2))
}

func TestAllocateExhaustionUpdatesHint(t *testing.T) {
	p, err := New(20, 4) // 5 locations
	require.NoError(t, err)
	defer p.Close()

	// 12 payload bytes need 3 payload locations + 1 padding location.
	addr, ok := p.AllocateRaw(12, 1)
	require.True(t, ok)
	require.False(t, addr.IsNull())

	// Only one location remains free; a further request (needing at
	// least a payload location plus a padding location) cannot fit.
	_, ok = p.AllocateRaw(1, 1)
	assert.False(t, ok)
	assert.Less(t, p.hint, p.totalSize)
}

func TestAllocateDeallocateRoundTrip(t *testing.T) {
	p, err := New(64, 4)
	require.NoError(t, err)
	defer p.Close()

	before := snapshotBits(p)

	addr, ok := p.AllocateRaw(8, 4)
	require.True(t, ok)
	p.Deallocate(addr)

	after := snapshotBits(p)
	assert.Equal(t, before, after)
}

func TestAllocateGenericRespectsSizeAndAlign(t *testing.T) {
	p, err := New(256, 8)
	require.NoError(t, err)
	defer p.Close()

	addr, ok := Allocate[smallPayload](p, 1)
	require.True(t, ok)
	require.False(t, addr.IsNull())
}

func TestContainsInfoClassifiesLocations(t *testing.T) {
	p, err := New(64, 8)
	require.NoError(t, err)
	defer p.Close()

	begin, end := p.Extent()
	outside := end.Add(64)
	assert.Equal(t, NotInRange, p.ContainsInfo(outside).Found)
	assert.Equal(t, InRangeUnallocated, p.ContainsInfo(begin).Found)

	addr, ok := p.AllocateRaw(24, 8) // 3 payload locations + 1 pad = 4
	require.True(t, ok)

	mid := addr.Add(8)
	info := p.ContainsInfo(mid)
	assert.Equal(t, InRangeAllocatedMiddle, info.Found)
	assert.Equal(t, p.locationOf(addr), info.StartLocation)
}

func TestDeallocateOfNonStartPanics(t *testing.T) {
	p, err := New(64, 8)
	require.NoError(t, err)
	defer p.Close()

	addr, ok := p.AllocateRaw(24, 8)
	require.True(t, ok)

	assert.Panics(t, func() { p.Deallocate(addr.Add(8)) })
}

func TestOnePastEndIsLegalAddress(t *testing.T) {
	p, err := New(64, 8)
	require.NoError(t, err)
	defer p.Close()

	addr, ok := p.AllocateRaw(8, 8) // one location + one pad location
	require.True(t, ok)

	begin, end := p.AllocationSpan(p.locationOf(addr))
	onePastEnd := begin.Add(8)
	assert.True(t, onePastEnd.Sub(begin) == 8)
	assert.LessOrEqual(t, int64(onePastEnd), int64(end))
}

func TestReservedSpanStopsAtOwnAllocationNotPageEnd(t *testing.T) {
	p, err := New(4096, 8) // 512 locations, far more than one small allocation needs
	require.NoError(t, err)
	defer p.Close()

	addr, ok := p.AllocateRaw(24, 8) // 3 payload locations + 1 pad = 4
	require.True(t, ok)

	_, spanEnd := p.AllocationSpan(p.locationOf(addr))
	_, reservedEnd := p.ReservedSpan(p.locationOf(addr))

	assert.Equal(t, p.base.Add(int64(p.totalSize)), spanEnd, "AllocationSpan reaches the page's end with no neighbor after it")
	assert.Less(t, int64(reservedEnd), int64(spanEnd), "ReservedSpan stops at the allocation's own 4 reserved locations instead")
	assert.Equal(t, addr.Add(4*8), reservedEnd)
}

func TestReservedSpanStopsAtNeighborWhenOnePacksRightAfter(t *testing.T) {
	p, err := New(4096, 8)
	require.NoError(t, err)
	defer p.Close()

	first, ok := p.AllocateRaw(24, 8) // 4 locations
	require.True(t, ok)
	second, ok := p.AllocateRaw(8, 8) // 2 locations, packs immediately after
	require.True(t, ok)
	require.Equal(t, first.Add(4*8), second, "first-fit packs the second allocation right after the first")

	_, reservedEnd := p.ReservedSpan(p.locationOf(first))
	assert.Equal(t, second, reservedEnd, "the first allocation's reserved span stops exactly where its neighbor starts")
}

func snapshotBits(p *Page) []bool {
	out := make([]bool, 0, 2*p.Locations())
	for i := 0; i < p.Locations(); i++ {
		out = append(out, p.inuse.Get(i))
	}
	for i := 0; i < p.Locations(); i++ {
		out = append(out, p.starts.Get(i))
	}
	return out
}
