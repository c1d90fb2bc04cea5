package workflow

import "github.com/google/uuid"

// queueItem is one pending workflow in the priority queue.
type queueItem struct {
	id       uuid.UUID
	priority int
	seq      int64 // FIFO tiebreak within a priority
}

// workflowQueue is a max-heap by priority, FIFO within a priority. Guarded by
// the coordinator's mutex.
type workflowQueue []*queueItem

func (q workflowQueue) Len() int { return len(q) }

func (q workflowQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q workflowQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *workflowQueue) Push(x any) { *q = append(*q, x.(*queueItem)) }

func (q *workflowQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}
