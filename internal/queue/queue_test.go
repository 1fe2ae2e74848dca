package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueOrder(t *testing.T) {
	q := New[int]()
	for i := 0; i < 1000; i++ {
		require.True(t, q.Push(i))
	}
	q.Close()

	var got []int
	for v := range q.Out() {
		got = append(got, v)
	}
	require.Len(t, got, 1000)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestQueuePushAfterClose(t *testing.T) {
	q := New[string]()
	q.Close()
	assert.False(t, q.Push("late"))
	_, ok := <-q.Out()
	assert.False(t, ok)
}

func TestQueueStopDropsPending(t *testing.T) {
	q := New[int]()
	q.Push(1)
	q.Push(2)
	q.Stop()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-q.Out():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("out channel was not closed after Stop")
		}
	}
}

func TestQueueConcurrentProducers(t *testing.T) {
	q := New[int]()
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.Push(p*1000 + i)
			}
		}(p)
	}
	wg.Wait()
	q.Close()

	last := map[int]int{0: -1, 1: -1, 2: -1, 3: -1}
	n := 0
	for v := range q.Out() {
		p, i := v/1000, v%1000
		assert.Greater(t, i, last[p], "producer %d out of order", p)
		last[p] = i
		n++
	}
	assert.Equal(t, 400, n)
}
