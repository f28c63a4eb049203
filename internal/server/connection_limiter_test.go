package server

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGlobalConnectionLimiter(t *testing.T) {
	l := NewGlobalConnectionLimiter(2)

	assert.True(t, l.Acquire())
	assert.True(t, l.Acquire())
	assert.False(t, l.Acquire(), "third connection should be rejected")
	assert.Equal(t, int64(2), l.Current())

	l.Release()
	assert.True(t, l.Acquire())
	assert.Equal(t, int64(2), l.Max())
}

func TestGlobalConnectionLimiter_Concurrent(t *testing.T) {
	const max = 50
	l := NewGlobalConnectionLimiter(max)

	var wg sync.WaitGroup
	acquired := make(chan bool, 200)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acquired <- l.Acquire()
		}()
	}
	wg.Wait()
	close(acquired)

	granted := 0
	for ok := range acquired {
		if ok {
			granted++
		}
	}
	assert.Equal(t, max, granted)
	assert.Equal(t, int64(max), l.Current())
}

func TestIPConnectionLimiter(t *testing.T) {
	l := NewIPConnectionLimiter(2)

	assert.True(t, l.Acquire("10.0.0.1"))
	assert.True(t, l.Acquire("10.0.0.1"))
	assert.False(t, l.Acquire("10.0.0.1"), "per-IP limit reached")

	// Another address has its own budget.
	assert.True(t, l.Acquire("10.0.0.2"))
	assert.Equal(t, 2, l.Count("10.0.0.1"))
	assert.Equal(t, 1, l.Count("10.0.0.2"))

	l.Release("10.0.0.1")
	assert.True(t, l.Acquire("10.0.0.1"))

	// Releasing the last slot drops the map entry entirely.
	l.Release("10.0.0.2")
	assert.Zero(t, l.Count("10.0.0.2"))
}
