package prefetch

import (
	"container/heap"
	"fmt"
	"strings"
)

// Priority orders prefetch requests. Higher values are served first.
type Priority int

const (
	Background Priority = iota
	Low
	Normal
	High
	Critical
)

func (p Priority) String() string {
	switch p {
	case Background:
		return "background"
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts a priority name to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "background":
		return Background, nil
	case "low":
		return Low, nil
	case "normal", "":
		return Normal, nil
	case "high":
		return High, nil
	case "critical":
		return Critical, nil
	}
	return Normal, fmt.Errorf("prefetch: unknown priority %q", s)
}

type reqKey struct {
	sourceID string
	frame    int
}

type item struct {
	key       reqKey
	priority  Priority
	seq       uint64
	callbacks []Callback
	index     int
}

// queue is a max-heap on priority, FIFO within a priority.
type queue []*item

func (q queue) Len() int { return len(q) }

func (q queue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q queue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *queue) Push(x any) {
	it := x.(*item)
	it.index = len(*q)
	*q = append(*q, it)
}

func (q *queue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*q = old[:n-1]
	return it
}

// upgrade raises it to p if p is higher. Priorities never drop.
func (q *queue) upgrade(it *item, p Priority) bool {
	if p <= it.priority {
		return false
	}
	it.priority = p
	heap.Fix(q, it.index)
	return true
}

// removeWhere removes every item matching fn and returns them.
func (q *queue) removeWhere(fn func(*item) bool) []*item {
	var removed []*item
	kept := (*q)[:0]
	for _, it := range *q {
		if fn(it) {
			it.index = -1
			removed = append(removed, it)
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(*q); i++ {
		(*q)[i] = nil
	}
	*q = kept
	for i, it := range *q {
		it.index = i
	}
	heap.Init(q)
	return removed
}
