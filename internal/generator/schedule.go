package generator

import (
	"container/heap"
	"sync"
	"time"
)

// emission is one scheduled reading for one sensor.
type emission struct {
	Due    time.Time
	Sensor *Sensor
}

// emissionQueue is a priority queue of upcoming emissions ordered by due
// time, so the run loop can sleep until the next one instead of polling
// every sensor.
type emissionQueue struct {
	mu       sync.Mutex
	upcoming emissionHeap
}

type emissionHeap []*emission

func (h emissionHeap) Len() int           { return len(h) }
func (h emissionHeap) Less(i, j int) bool { return h[i].Due.Before(h[j].Due) }
func (h emissionHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *emissionHeap) Push(x interface{}) {
	*h = append(*h, x.(*emission))
}

func (h *emissionHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

func newEmissionQueue() *emissionQueue {
	return &emissionQueue{upcoming: make(emissionHeap, 0)}
}

// Enqueue schedules an emission.
func (q *emissionQueue) Enqueue(e *emission) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.upcoming, e)
}

// Dequeue removes and returns the earliest emission, or nil when empty.
func (q *emissionQueue) Dequeue() *emission {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.upcoming) == 0 {
		return nil
	}
	return heap.Pop(&q.upcoming).(*emission)
}

// Peek returns the earliest emission without removing it.
func (q *emissionQueue) Peek() *emission {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.upcoming) == 0 {
		return nil
	}
	return q.upcoming[0]
}

func (q *emissionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.upcoming)
}
