package destructor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/deferredheap/internal/page"
)

func TestStoreAndIsStored(t *testing.T) {
	var tbl Table
	assert.False(t, tbl.IsStored(page.Addr(100)))

	tbl.Store(page.Addr(100), func(page.Addr) {})
	assert.True(t, tbl.IsStored(page.Addr(100)))
	assert.Equal(t, 1, tbl.Len())
}

func TestRunAllReverseOrder(t *testing.T) {
	var tbl Table
	var order []int
	tbl.Store(page.Addr(1), func(page.Addr) { order = append(order, 1) })
	tbl.Store(page.Addr(2), func(page.Addr) { order = append(order, 2) })
	tbl.Store(page.Addr(3), func(page.Addr) { order = append(order, 3) })

	err := tbl.RunAll()
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2, 1}, order)
	assert.Equal(t, 0, tbl.Len())
}

func TestRunAllContinuesAfterPanic(t *testing.T) {
	var tbl Table
	var ran []int
	tbl.Store(page.Addr(1), func(page.Addr) { ran = append(ran, 1) })
	tbl.Store(page.Addr(2), func(page.Addr) { panic("boom") })
	tbl.Store(page.Addr(3), func(page.Addr) { ran = append(ran, 3) })

	err := tbl.RunAll()
	assert.Error(t, err)
	assert.Equal(t, []int{3, 1}, ran)
}

func TestRemoveRangeExtractsBeforeRunning(t *testing.T) {
	var tbl Table
	var ran []int
	tbl.Store(page.Addr(10), func(a page.Addr) {
		ran = append(ran, int(a))
		// Reentrant: the destructor itself tries to remove the same
		// range again. It must see an empty table for this range.
		ranAgain, _ := tbl.RemoveRange(page.Addr(10), page.Addr(30))
		assert.False(t, ranAgain)
	})
	tbl.Store(page.Addr(20), func(a page.Addr) { ran = append(ran, int(a)) })
	tbl.Store(page.Addr(50), func(a page.Addr) { ran = append(ran, int(a)) })

	didRun, err := tbl.RemoveRange(page.Addr(10), page.Addr(30))
	require.NoError(t, err)
	assert.True(t, didRun)
	assert.Equal(t, []int{10, 20}, ran) // forward order
	assert.True(t, tbl.IsStored(page.Addr(50)))
	assert.False(t, tbl.IsStored(page.Addr(10)))
}

func TestRemoveRangeNoMatchReturnsFalse(t *testing.T) {
	var tbl Table
	tbl.Store(page.Addr(100), func(page.Addr) {})

	ran, err := tbl.RemoveRange(page.Addr(0), page.Addr(50))
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, 1, tbl.Len())
}

func TestRemoveRangeContinuesAfterPanic(t *testing.T) {
	var tbl Table
	var ran []int
	tbl.Store(page.Addr(1), func(a page.Addr) { ran = append(ran, int(a)) })
	tbl.Store(page.Addr(2), func(page.Addr) { panic("boom") })
	tbl.Store(page.Addr(3), func(a page.Addr) { ran = append(ran, int(a)) })

	didRun, err := tbl.RemoveRange(page.Addr(0), page.Addr(10))
	assert.True(t, didRun)
	assert.Error(t, err)
	assert.Equal(t, []int{1, 3}, ran)
}
