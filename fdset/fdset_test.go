package fdset

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMarkUnmark(t *testing.T) {
	r := NewRegistry()

	assert.False(t, r.IsMarked(3))
	r.Mark(3)
	assert.True(t, r.IsMarked(3))
	assert.False(t, r.IsMarked(4))

	assert.True(t, r.Unmark(3))
	assert.False(t, r.IsMarked(3))

	// A second unmark of a stale value is a no-op.
	assert.False(t, r.Unmark(3))
	assert.Equal(t, 0, r.Len())
}

func TestMarkIsIdempotent(t *testing.T) {
	r := NewRegistry()
	r.Mark(7)
	r.Mark(7)
	assert.Equal(t, 1, r.Len())
	assert.True(t, r.Unmark(7))
	assert.False(t, r.Unmark(7))
}

func TestConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	const n = 64

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(fd int) {
			defer wg.Done()
			r.Mark(fd)
			for j := 0; j < 100; j++ {
				r.IsMarked(fd)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, n, r.Len())
	for i := 0; i < n; i++ {
		assert.True(t, r.IsMarked(i))
	}

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(fd int) {
			defer wg.Done()
			assert.True(t, r.Unmark(fd))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, r.Len())
}
