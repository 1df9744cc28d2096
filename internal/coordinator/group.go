package coordinator

import (
	"container/heap"
	"fmt"
	"slices"
	"strings"

	"github.com/ChuLiYu/beaver-dispatch/internal/call"
	"github.com/ChuLiYu/beaver-dispatch/pkg/types"
)

type indexHeap []int

func (h indexHeap) Len() int           { return len(h) }
func (h indexHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *indexHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *indexHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// sortGroup orders a call group so that every request comes after the group
// members it depends on. Dependencies outside the group are ignored here;
// the queue resolves them at enqueue time. Ties keep submission order.
func sortGroup(reqs []*call.CallRequest) ([]*call.CallRequest, error) {
	pos := make(map[types.TaskID]int, len(reqs))
	for i, r := range reqs {
		if _, dup := pos[r.ID()]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateCall, r.ID())
		}
		pos[r.ID()] = i
	}

	indeg := make([]int, len(reqs))
	outgoing := make([][]int, len(reqs))
	for i, r := range reqs {
		for _, blocker := range r.BlockingTaskIDs() {
			j, inGroup := pos[blocker]
			if !inGroup {
				continue
			}
			outgoing[j] = append(outgoing[j], i)
			indeg[i]++
		}
	}

	ready := &indexHeap{}
	for i := range indeg {
		if indeg[i] == 0 {
			heap.Push(ready, i)
		}
	}

	sorted := make([]*call.CallRequest, 0, len(reqs))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		sorted = append(sorted, reqs[n])
		for _, m := range outgoing[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}

	if len(sorted) != len(reqs) {
		var stuck []string
		for i, d := range indeg {
			if d > 0 {
				stuck = append(stuck, string(reqs[i].ID()))
			}
		}
		slices.Sort(stuck)
		return nil, fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(stuck, ", "))
	}
	return sorted, nil
}
