package escalation

import (
	"container/heap"
	"time"

	"github.com/google/uuid"
)

type entry struct {
	alertID uuid.UUID
	due     time.Time
	index   int
}

// dueHeap is a min-heap on due time. Not safe for concurrent use.
type dueHeap []*entry

func (h dueHeap) Len() int           { return len(h) }
func (h dueHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }
func (h dueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *dueHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// dueQueue holds at most one pending timeout per alert.
type dueQueue struct {
	heap dueHeap
	byID map[uuid.UUID]*entry
}

func newDueQueue() *dueQueue {
	return &dueQueue{byID: make(map[uuid.UUID]*entry)}
}

// set schedules or reschedules alertID.
func (q *dueQueue) set(alertID uuid.UUID, due time.Time) {
	if e, ok := q.byID[alertID]; ok {
		e.due = due
		heap.Fix(&q.heap, e.index)
		return
	}
	e := &entry{alertID: alertID, due: due}
	heap.Push(&q.heap, e)
	q.byID[alertID] = e
}

// remove reports whether alertID was queued.
func (q *dueQueue) remove(alertID uuid.UUID) bool {
	e, ok := q.byID[alertID]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, e.index)
	delete(q.byID, alertID)
	return true
}

func (q *dueQueue) peek() (*entry, bool) {
	if len(q.heap) == 0 {
		return nil, false
	}
	return q.heap[0], true
}

// popDue removes and returns every alert due at or before now, earliest first.
func (q *dueQueue) popDue(now time.Time) []uuid.UUID {
	var out []uuid.UUID
	for len(q.heap) > 0 && !q.heap[0].due.After(now) {
		e := heap.Pop(&q.heap).(*entry)
		delete(q.byID, e.alertID)
		out = append(out, e.alertID)
	}
	return out
}

func (q *dueQueue) dueAt(alertID uuid.UUID) (time.Time, bool) {
	e, ok := q.byID[alertID]
	if !ok {
		return time.Time{}, false
	}
	return e.due, true
}

func (q *dueQueue) size() int {
	return len(q.heap)
}
