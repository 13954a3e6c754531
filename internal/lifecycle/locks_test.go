package lifecycle

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocks_TryLock(t *testing.T) {
	l := NewLocks()
	unlock, ok := l.TryLock("a")
	require.True(t, ok)

	_, ok = l.TryLock("a")
	assert.False(t, ok, "held key must not be taken twice")

	other, ok := l.TryLock("b")
	require.True(t, ok)
	other()

	unlock()
	again, ok := l.TryLock("a")
	require.True(t, ok)
	again()
	assert.Equal(t, 0, l.Len())
}

func TestLocks_LockSerializes(t *testing.T) {
	l := NewLocks()
	var (
		wg      sync.WaitGroup
		counter int
	)
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("k")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, counter)
	assert.Equal(t, 0, l.Len())
}
