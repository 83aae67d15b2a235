// Implements the WaitQueue, which holds requests routed to an instance that
// are waiting for their next opportunity to be scheduled into a batch.

package sim

import (
	"fmt"
	"strings"
)

// WaitQueue is an ordered queue of requests waiting to be scheduled.
// Enqueue appends; the instance scheduler decides which entries leave.
type WaitQueue struct {
	queue []*Request
}

// Enqueue adds a request to the back of the wait queue.
func (wq *WaitQueue) Enqueue(r *Request) {
	if r == nil {
		panic("Enqueue: req must not be nil")
	}
	wq.queue = append(wq.queue, r)
}

func (wq *WaitQueue) String() string {
	var sb strings.Builder
	sb.WriteString("[")
	for i, val := range wq.queue {
		sb.WriteString(val.ID)
		if i < len(wq.queue)-1 {
			sb.WriteString(" ")
		}
	}
	sb.WriteString("]")
	return sb.String()
}

// Len returns the number of requests in the queue.
func (wq *WaitQueue) Len() int {
	return len(wq.queue)
}

// Peek returns the request at the front of the queue, or nil.
func (wq *WaitQueue) Peek() *Request {
	if len(wq.queue) == 0 {
		return nil
	}
	return wq.queue[0]
}

// PrependFront inserts a request at the front of the queue.
// A preempted request goes back to the head for immediate rescheduling.
func (wq *WaitQueue) PrependFront(req *Request) {
	if req == nil {
		panic("PrependFront: req must not be nil")
	}
	wq.queue = append([]*Request{req}, wq.queue...)
}

// Items returns the queue contents. Callers MUST NOT append to or reslice it.
func (wq *WaitQueue) Items() []*Request {
	return wq.queue
}

// Remove deletes the request with the given ID, preserving order.
// Returns false if no such request is queued.
func (wq *WaitQueue) Remove(id string) bool {
	for i, r := range wq.queue {
		if r.ID == id {
			wq.queue = append(wq.queue[:i], wq.queue[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveAll deletes every request in reqs from the queue, preserving the order
// of the remainder.
func (wq *WaitQueue) RemoveAll(reqs []*Request) {
	if len(reqs) == 0 {
		return
	}
	drop := make(map[string]struct{}, len(reqs))
	for _, r := range reqs {
		drop[r.ID] = struct{}{}
	}
	kept := wq.queue[:0]
	for _, r := range wq.queue {
		if _, ok := drop[r.ID]; !ok {
			kept = append(kept, r)
		}
	}
	for i := len(kept); i < len(wq.queue); i++ {
		wq.queue[i] = nil
	}
	wq.queue = kept
}

// Drain empties the queue and returns its former contents in order.
func (wq *WaitQueue) Drain() []*Request {
	out := wq.queue
	wq.queue = nil
	return out
}

// Reorder applies fn to the queue contents for in-place reordering.
// fn MUST NOT change the slice length.
func (wq *WaitQueue) Reorder(fn func([]*Request)) {
	if fn == nil {
		panic("Reorder: fn must not be nil")
	}
	n := len(wq.queue)
	fn(wq.queue)
	if len(wq.queue) != n {
		panic(fmt.Sprintf("Reorder: fn changed queue length from %d to %d", n, len(wq.queue)))
	}
}
