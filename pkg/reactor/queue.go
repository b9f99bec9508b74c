package reactor

import "time"

type entry[C Client] struct {
	client   C
	deadline time.Time
	index    int
}

// timeouts is a min-heap of entries ordered by deadline, for container/heap.
type timeouts[C Client] []*entry[C]

func (q timeouts[C]) Len() int { return len(q) }

func (q timeouts[C]) Less(i, j int) bool { return q[i].deadline.Before(q[j].deadline) }

func (q timeouts[C]) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *timeouts[C]) Push(x any) {
	e := x.(*entry[C])
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *timeouts[C]) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}
