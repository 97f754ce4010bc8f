package memory

import (
	"container/heap"
	"time"
)

var _ heap.Interface = (*dueHeap)(nil)

type dueHeap []*entry

func (t dueHeap) Len() int {
	return len(t)
}

func (t dueHeap) Less(i int, j int) bool {
	return t[i].check.NextDue().Before(t[j].check.NextDue())
}

func (t dueHeap) Swap(i int, j int) {
	t[i], t[j] = t[j], t[i]
	t[i].index = i
	t[j].index = j
}

func (t *dueHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*t)
	*t = append(*t, e)
}

func (t *dueHeap) Pop() any {
	if t.Len() == 0 {
		return nil
	}
	topVal := (*t)[t.Len()-1]
	(*t)[t.Len()-1] = nil
	*t = (*t)[:t.Len()-1]
	topVal.index = -1
	return topVal
}

// popDue removes and returns every entry due at now, earliest first.
func (t *dueHeap) popDue(now time.Time) []*entry {
	var due []*entry
	for t.Len() > 0 && (*t)[0].check.Due(now) {
		due = append(due, heap.Pop(t).(*entry))
	}
	return due
}
