package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueue_PushIsFIFO(t *testing.T) {
	q := New[string]()
	for _, v := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i"} {
		q.Push(v)
	}

	var got []string
	for {
		v, ok := q.Dequeue()
		if !ok {
			break
		}
		got = append(got, v)
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f", "g", "h", "i"}, got)
}

func TestQueue_OrdersByPriorityThenArrival(t *testing.T) {
	q := New[string]()
	q.Enqueue("low", 10)
	q.Enqueue("high-1", 1)
	q.Enqueue("mid", 5)
	q.Enqueue("high-2", 1)

	assert.Equal(t, []string{"high-1", "high-2", "mid", "low"}, q.Drain())
	_, ok := q.Dequeue()
	assert.False(t, ok)
}

func TestQueue_Drain(t *testing.T) {
	q := New[int]()
	q.Push(1)
	q.Push(2)
	q.Push(3)
	assert.Equal(t, 3, q.Len())

	assert.Equal(t, []int{1, 2, 3}, q.Drain())
	assert.Equal(t, 0, q.Len())
	assert.Empty(t, q.Drain())
}

func TestQueue_ConcurrentPush(t *testing.T) {
	q := New[int]()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			q.Push(v)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, q.Len())
}
