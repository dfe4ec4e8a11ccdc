package testdata

// entry is a cache slot; index is its position in fetchHeap, -1 once removed.
type entry struct {
	data  *Testdata
	index int
}

// fetchHeap is a min-heap ordered by fetch time, so the root is the eviction victim.
type fetchHeap []*entry

func (h fetchHeap) Len() int { return len(h) }

func (h fetchHeap) Less(i, j int) bool {
	return h[i].data.FetchedAt.Before(h[j].data.FetchedAt)
}

func (h fetchHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *fetchHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *fetchHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
