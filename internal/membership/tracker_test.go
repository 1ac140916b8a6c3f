package membership

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrackerSingleRoom(t *testing.T) {
	tr := NewTracker()

	_, ok := tr.Current("u1")
	assert.False(t, ok)

	assert.Empty(t, tr.Set("u1", "r1"))
	assert.Equal(t, "r1", tr.Set("u1", "r2"))

	room, ok := tr.Current("u1")
	assert.True(t, ok)
	assert.Equal(t, "r2", room)
	assert.Equal(t, 1, tr.Len())
}

func TestTrackerClearIgnoresOtherRooms(t *testing.T) {
	tr := NewTracker()
	tr.Set("u1", "r1")

	assert.False(t, tr.Clear("u1", "r2"))
	assert.False(t, tr.Clear("u2", "r1"))
	assert.True(t, tr.Clear("u1", "r1"))
	assert.Equal(t, 0, tr.Len())
}

func TestTrackerMembers(t *testing.T) {
	tr := NewTracker()
	tr.Set("u1", "r1")
	tr.Set("u2", "r1")
	tr.Set("u3", "r2")

	assert.ElementsMatch(t, []string{"u1", "u2"}, tr.Members("r1"))
}

func TestTrackerConcurrentSet(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				tr.Set("u1", "a")
			} else {
				tr.Set("u1", "b")
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, tr.Len())
}
