package queue

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueRunsJobs(t *testing.T) {
	q := NewQueue(10, 2)
	q.Start()

	var mu sync.Mutex
	var ran []int

	var wg sync.WaitGroup
	for i := range 5 {
		wg.Add(1)
		ok := q.Enqueue(Job{
			Run: func() error {
				defer wg.Done()
				mu.Lock()
				ran = append(ran, i)
				mu.Unlock()
				return nil
			},
		})
		require.True(t, ok)
	}

	wg.Wait()
	q.Stop()

	assert.Len(t, ran, 5)
}

func TestQueueOnFail(t *testing.T) {
	q := NewQueue(1, 1)
	q.Start()

	boom := errors.New("boom")
	failed := make(chan error, 1)

	q.Enqueue(Job{
		Run:    func() error { return boom },
		OnFail: func(err error) { failed <- err },
	})

	select {
	case err := <-failed:
		assert.ErrorIs(t, err, boom)
	case <-time.After(5 * time.Second):
		t.Fatal("OnFail never ran")
	}

	q.Stop()
}

func TestQueueShedsWhenFull(t *testing.T) {
	// no workers started, so the buffer is all there is
	q := NewQueue(2, 1)

	assert.True(t, q.Enqueue(Job{Run: func() error { return nil }}))
	assert.True(t, q.Enqueue(Job{Run: func() error { return nil }}))
	assert.False(t, q.Enqueue(Job{Run: func() error { return nil }}))
}

func TestQueueStopDrains(t *testing.T) {
	q := NewQueue(10, 1)
	q.Start()

	done := make(chan struct{})
	q.Enqueue(Job{
		Run: func() error {
			time.Sleep(20 * time.Millisecond)
			close(done)
			return nil
		},
	})

	q.Stop()

	select {
	case <-done:
	default:
		t.Fatal("Stop returned before the in-flight job finished")
	}
}
