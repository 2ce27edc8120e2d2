package changes

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerNeverExceedsCapacity(t *testing.T) {
	for _, max := range []int{1, 2, 3, 4, 5, 8, 10, 17, 100} {
		tr := NewTracker(max)
		for i := 0; i < max*5+3; i++ {
			tr.AddChange(Counts{Added: i})
			require.LessOrEqual(t, tr.Len(), max, "max=%d after %d adds", max, i+1)
		}
	}
}

func TestTrackerDropsQuarterWhenLarge(t *testing.T) {
	tr := NewTracker(8)
	for i := 0; i < 8; i++ {
		tr.AddChange(Counts{Added: i})
	}
	require.Equal(t, 8, tr.Len())

	// Overflow drops floor(8/4) = 2 oldest entries, then appends.
	tr.AddChange(Counts{Added: 8})
	changes := tr.Changes()
	require.Len(t, changes, 7)
	assert.Equal(t, 2, changes[0].Added)
	assert.Equal(t, 8, changes[6].Added)
}

func TestTrackerDropsOneWhenSmall(t *testing.T) {
	tr := NewTracker(3)
	for i := 0; i < 3; i++ {
		tr.AddChange(Counts{Removed: i})
	}
	tr.AddChange(Counts{Removed: 3})
	changes := tr.Changes()
	require.Len(t, changes, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{changes[0].Removed, changes[1].Removed, changes[2].Removed})
}

func TestCompoundChangeReadsThrough(t *testing.T) {
	tr := NewTracker(10)
	cc := tr.CreateCompoundChange()
	assert.Equal(t, 1, tr.Len())

	cc.AddChange(Counts{Added: 2})
	cc.AddChange(Counts{Modified: 1, Removed: 4})

	assert.Equal(t, 2, cc.Added())
	assert.Equal(t, 1, cc.Modified())
	assert.Equal(t, 4, cc.Removed())
	assert.Equal(t, Counts{Added: 2, Modified: 1, Removed: 4}, tr.Changes()[0])
	assert.Equal(t, Counts{Added: 2, Modified: 1, Removed: 4}, tr.Totals())
}

func TestCompoundChangeOutlivesEviction(t *testing.T) {
	tr := NewTracker(2)
	cc := tr.CreateCompoundChange()
	tr.AddChange(Counts{})
	tr.AddChange(Counts{})

	cc.AddChange(Counts{Added: 1})
	assert.Equal(t, 1, cc.Added())
	assert.Equal(t, 0, tr.Totals().Added)
}

func TestAddChangeItems(t *testing.T) {
	tr := NewTracker(10)
	tr.AddChangeItemsAdded([]string{"a", "b", "c"})
	tr.AddChangeItemsModified(map[string]any{"id": 1})
	tr.AddChangeItemsRemoved(nil)
	tr.AddChangeItemsRemoved([2]int{1, 2})

	var nilSlice []int
	tr.AddChangeItemsAdded(nilSlice)

	assert.Equal(t, []Counts{
		{Added: 3},
		{Modified: 1},
		{Removed: 0},
		{Removed: 2},
		{Added: 0},
	}, tr.Changes())
}

func TestTrackerConcurrentUse(t *testing.T) {
	tr := NewTracker(16)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tr.AddChange(Counts{Added: 1})
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, tr.Len(), 16)
}

func TestDefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultMaxChangesTracked, NewTracker(0).MaxChangesTracked())
}
