package utils

import (
	"sync"
	"testing"
	"time"

	"github.com/livekit/protocol/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpsQueue(t *testing.T) {
	t.Run("ops run in order on one goroutine", func(t *testing.T) {
		oq := NewOpsQueue(logger.GetLogger(), "test", 16)
		oq.Start()

		var mu sync.Mutex
		var order []int
		for i := 0; i < 10; i++ {
			i := i
			oq.Enqueue(func() {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
			})
		}
		oq.Stop()
		oq.Wait()

		require.Len(t, order, 10)
		for i, v := range order {
			assert.Equal(t, i, v)
		}
	})

	t.Run("stop drains queued ops", func(t *testing.T) {
		oq := NewOpsQueue(logger.GetLogger(), "test", 16)
		oq.Start()

		done := make(chan struct{})
		oq.Enqueue(func() { time.Sleep(10 * time.Millisecond) })
		oq.Enqueue(func() { close(done) })
		oq.Stop()
		oq.Wait()

		select {
		case <-done:
		default:
			t.Fatal("queued op did not run before Wait returned")
		}
		assert.True(t, oq.IsStopped())
	})

	t.Run("enqueue after stop is dropped", func(t *testing.T) {
		oq := NewOpsQueue(logger.GetLogger(), "test", 16)
		oq.Start()
		oq.Stop()
		oq.Wait()

		ran := false
		oq.Enqueue(func() { ran = true })
		time.Sleep(5 * time.Millisecond)
		assert.False(t, ran)
	})
}
