package commandqueue

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedup(t *testing.T) {
	t.Run("should mark new ids and reject repeats", func(t *testing.T) {
		d := NewDedup(10)
		assert.False(t, d.Seen("telegram:1:100"))
		assert.True(t, d.Seen("telegram:1:100"))
		assert.False(t, d.Seen("telegram:1:101"))
		assert.Equal(t, 2, d.Len())
	})

	t.Run("should evict oldest first when full", func(t *testing.T) {
		d := NewDedup(3)
		for _, id := range []string{"a", "b", "c", "d"} {
			assert.False(t, d.Seen(id))
		}
		assert.Equal(t, 3, d.Len())
		assert.True(t, d.Seen("d"))
		assert.True(t, d.Seen("b"))
		// "a" was evicted, so it is accepted again
		assert.False(t, d.Seen("a"))
	})

	t.Run("should default capacity", func(t *testing.T) {
		d := NewDedup(0)
		assert.Equal(t, DefaultDedupCapacity, d.maxSize)
	})

	t.Run("should accept each id once under concurrency", func(t *testing.T) {
		d := NewDedup(1000)
		var accepted int64
		var mu sync.Mutex
		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 100; i++ {
					if !d.Seen(fmt.Sprintf("id-%d", i)) {
						mu.Lock()
						accepted++
						mu.Unlock()
					}
				}
			}()
		}
		wg.Wait()
		assert.EqualValues(t, 100, accepted)
	})
}
