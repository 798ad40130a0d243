package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBudgetPerCycle(t *testing.T) {
	l := New(3, 0)
	for i := 0; i < 3; i++ {
		assert.True(t, l.TryConsume())
	}
	assert.False(t, l.TryConsume())
	assert.Equal(t, 0, l.Remaining())

	l.Reset()
	assert.Equal(t, 3, l.Remaining())
	assert.True(t, l.TryConsume())
}

func TestUnlimited(t *testing.T) {
	l := New(0, 0)
	for i := 0; i < 1000; i++ {
		require.True(t, l.TryConsume())
	}
	assert.Equal(t, -1, l.Remaining())
	require.NoError(t, l.Wait(context.Background()))
}

func TestConcurrentConsumeNeverExceedsBudget(t *testing.T) {
	l := New(10, 0)
	var got atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryConsume() {
				got.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 10, got.Load())
}

func TestApply(t *testing.T) {
	l := New(1, 0)
	assert.True(t, l.TryConsume())
	assert.False(t, l.TryConsume())
	l.Apply(2, 5)
	assert.True(t, l.TryConsume())
	assert.Equal(t, 2, l.Budget())
	assert.Equal(t, 5.0, l.PerSecond())
}

func TestWaitPacesAndHonoursContext(t *testing.T) {
	l := New(0, 1)
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(ctx))
}
