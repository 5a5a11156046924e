package scheduler

import (
	"container/heap"

	"github.com/pared2021/taskcore/pkg/models"
)

// queueItem wraps a pending task with its heap bookkeeping.
type queueItem struct {
	task  *models.Task
	seq   uint64
	index int
}

// taskHeap orders items by (priority, creation time, insertion sequence)
// ascending. A retried task is pushed with its original creation time, so it
// keeps its queue seniority against fresh tasks of equal priority.
type taskHeap []*queueItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.task.Priority != b.task.Priority {
		return a.task.Priority < b.task.Priority
	}
	if !a.task.CreatedAt.Equal(b.task.CreatedAt) {
		return a.task.CreatedAt.Before(b.task.CreatedAt)
	}
	return a.seq < b.seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// taskQueue is the pending-task priority queue with id lookup. Not safe for
// concurrent use; the scheduler serializes access under its own mutex.
type taskQueue struct {
	heap    taskHeap
	byID    map[string]*queueItem
	nextSeq uint64
}

func newTaskQueue() *taskQueue {
	return &taskQueue{byID: make(map[string]*queueItem)}
}

func (q *taskQueue) len() int { return len(q.heap) }

func (q *taskQueue) push(task *models.Task) {
	item := &queueItem{task: task, seq: q.nextSeq}
	q.nextSeq++
	q.byID[task.ID] = item
	heap.Push(&q.heap, item)
}

// peek returns the head task without removing it, or nil when empty.
func (q *taskQueue) peek() *models.Task {
	if len(q.heap) == 0 {
		return nil
	}
	return q.heap[0].task
}

func (q *taskQueue) pop() *models.Task {
	if len(q.heap) == 0 {
		return nil
	}
	item := heap.Pop(&q.heap).(*queueItem)
	delete(q.byID, item.task.ID)
	return item.task
}

func (q *taskQueue) get(id string) *models.Task {
	if item, ok := q.byID[id]; ok {
		return item.task
	}
	return nil
}

// remove takes a task out of the queue by id, returning nil if absent.
func (q *taskQueue) remove(id string) *models.Task {
	item, ok := q.byID[id]
	if !ok {
		return nil
	}
	heap.Remove(&q.heap, item.index)
	delete(q.byID, id)
	return item.task
}
