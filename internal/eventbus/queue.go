package eventbus

import (
	"container/heap"

	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/types"
)

// envelope is one queued delivery. handler is nil on the central queue
// and set once the message has been fanned out to a mailbox.
type envelope struct {
	msg     types.Message
	seq     uint64
	handler Handler
}

// queue is a stable max-priority heap: higher priority first, then
// lower sequence (publish order) first.
type queue []envelope

func (q queue) Len() int { return len(q) }

func (q queue) Less(i, j int) bool {
	if q[i].msg.Priority() != q[j].msg.Priority() {
		return q[i].msg.Priority() > q[j].msg.Priority()
	}
	return q[i].seq < q[j].seq
}

func (q queue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *queue) Push(x any) { *q = append(*q, x.(envelope)) }

func (q *queue) Pop() any {
	old := *q
	n := len(old)
	env := old[n-1]
	old[n-1] = envelope{}
	*q = old[:n-1]
	return env
}

func (q *queue) push(env envelope) { heap.Push(q, env) }

func (q *queue) pop() envelope { return heap.Pop(q).(envelope) }
