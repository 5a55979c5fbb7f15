package devices

import (
	"sync"
	"time"

	"github.com/alicia-home/alicia/internal/bus"
	"github.com/alicia-home/alicia/internal/fault"
	"github.com/alicia-home/alicia/internal/metrics"
)

const (
	laneHigh = iota
	laneNormal
	laneLow
	laneCount
)

func laneFor(p bus.Priority) int {
	switch p {
	case bus.PriorityHigh:
		return laneHigh
	case bus.PriorityLow:
		return laneLow
	default:
		return laneNormal
	}
}

// queue is the bounded command intake: three priority lanes drained in
// lane order, with aging so a normal or low item waiting longer than
// starvationAge is served as if it were high. Lanes are FIFO, so the head
// of each lane is its oldest item and the aging check only needs heads.
type queue struct {
	mu            sync.Mutex
	lanes         [laneCount][]*Command
	size          int
	capacity      int
	starvationAge time.Duration
	wake          chan struct{}
	now           func() time.Time
}

func newQueue(capacity int, starvationAge time.Duration) *queue {
	if capacity <= 0 {
		capacity = 100
	}
	if starvationAge <= 0 {
		starvationAge = 5 * time.Second
	}
	return &queue{
		capacity:      capacity,
		starvationAge: starvationAge,
		wake:          make(chan struct{}, 1),
		now:           time.Now,
	}
}

// push enqueues cmd, failing with an overload fault when the queue is at
// capacity.
func (q *queue) push(cmd *Command) error {
	q.mu.Lock()
	if q.size >= q.capacity {
		q.mu.Unlock()
		return fault.Newf(fault.Overload, "queue_full: %d commands waiting", q.capacity)
	}
	lane := laneFor(cmd.Priority)
	q.lanes[lane] = append(q.lanes[lane], cmd)
	q.size++
	metrics.CommandQueueDepth.Set(float64(q.size))
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// pop returns the next command to dispatch, or nil when the queue is
// empty. Aged items in the lower lanes win over fresh high items by
// queue age, so no lane can starve.
func (q *queue) pop() *Command {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()

	pick := -1
	var oldestAged time.Time
	for lane := laneNormal; lane < laneCount; lane++ {
		if len(q.lanes[lane]) == 0 {
			continue
		}
		head := q.lanes[lane][0]
		if now.Sub(head.QueuedAt) > q.starvationAge {
			if pick == -1 || head.QueuedAt.Before(oldestAged) {
				pick = lane
				oldestAged = head.QueuedAt
			}
		}
	}
	if pick == -1 {
		for lane := 0; lane < laneCount; lane++ {
			if len(q.lanes[lane]) > 0 {
				pick = lane
				break
			}
		}
	}
	if pick == -1 {
		return nil
	}

	cmd := q.lanes[pick][0]
	q.lanes[pick] = q.lanes[pick][1:]
	q.size--
	metrics.CommandQueueDepth.Set(float64(q.size))
	return cmd
}

func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}
