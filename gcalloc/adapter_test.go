package gcalloc_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/deferredheap/gcalloc"
	"github.com/joshuapare/deferredheap/gcheap"
)

// tagged records its own id into a shared log on construction and
// destruction, so a test can assert the relative order of events across
// two objects that occupy the same byte range one after another.
type tagged struct {
	id  int
	log *[]string
}

func (t *tagged) Destroy() {
	*t.log = append(*t.log, fmt.Sprintf("destroy:%d", t.id))
}

func TestAdapterEqual(t *testing.T) {
	h1 := gcheap.New()
	h2 := gcheap.New()
	defer h1.Close()
	defer h2.Close()

	a1 := gcalloc.NewAdapter[tagged](h1)
	a1b := gcalloc.NewAdapter[tagged](h1)
	a2 := gcalloc.NewAdapter[tagged](h2)

	assert.True(t, a1.Equal(a1b))
	assert.False(t, a1.Equal(a2))
}

// Test_Scenario_ReusedSlotFlushesPendingDestructor exercises the
// reused-slot case: a container adapter calls Construct a second time
// on the exact same SmartPtr, simulating in-place reuse of a popped slot
// (Deallocate is a no-op, so nothing but a second Construct ever clears
// the old occupant). The stale destructor must run, in full, before the
// new constructor's effects are observable.
func Test_Scenario_ReusedSlotFlushesPendingDestructor(t *testing.T) {
	h := gcheap.New()
	defer h.Close()

	adapter := gcalloc.NewAdapter[tagged](h)

	var log []string
	var slot gcheap.Ptr[tagged]
	require.NoError(t, adapter.Allocate(&slot, 1))

	adapter.Construct(&slot, func(v *tagged) {
		v.id = 1
		v.log = &log
	})
	log = append(log, "construct:1")

	adapter.Construct(&slot, func(v *tagged) {
		v.id = 2
		v.log = &log
	})
	log = append(log, "construct:2")

	require.Equal(t, []string{"construct:1", "destroy:1", "construct:2"}, log)
	assert.Equal(t, 2, slot.Get().id)
}

func TestAdapterAllocateThenConstruct(t *testing.T) {
	h := gcheap.New()
	defer h.Close()

	adapter := gcalloc.NewAdapter[tagged](h)
	var dst gcheap.Ptr[tagged]
	require.NoError(t, adapter.Allocate(&dst, 1))
	require.False(t, dst.IsNull())

	var log []string
	adapter.Construct(&dst, func(v *tagged) {
		v.id = 7
		v.log = &log
	})
	assert.Equal(t, 7, dst.Get().id)

	adapter.Deallocate(dst, 1)
	assert.Equal(t, 7, dst.Get().id, "Deallocate is a no-op; the object is reclaimed only by Collect/Close")
}
