package vo

// cornerCandidate is a pixel which passed segment test
type cornerCandidate struct {
	x     int
	y     int
	score float64
}

// Copied from container/heap - https://golang.org/pkg/container/heap/
// Typed copy with a total order on candidates: pop order is fixed by score, then row, then column

// responseHeap pops strongest candidate first. Ties are broken by row and then by column,
// so the pop order never depends on how candidates were collected.
type responseHeap []cornerCandidate

func (h responseHeap) Len() int { return len(h) }
func (h responseHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score > h[j].score
	}
	if h[i].y != h[j].y {
		return h[i].y < h[j].y
	}
	return h[i].x < h[j].x
}
func (h responseHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// init establishes the heap invariants.
// The complexity is O(n) where n = h.Len().
func (h responseHeap) init() {
	n := h.Len()
	for i := n/2 - 1; i >= 0; i-- {
		h.down(i, n)
	}
}

// Pop removes and returns the strongest element from the heap.
// The complexity is O(log n) where n = h.Len().
func (h *responseHeap) Pop() cornerCandidate {
	n := h.Len() - 1
	h.Swap(0, n)
	h.down(0, n)
	heapSize := len(*h)
	lastNode := (*h)[heapSize-1]
	*h = (*h)[0 : heapSize-1]
	return lastNode
}

func (h responseHeap) down(i0, n int) bool {
	i := i0
	for {
		j1 := 2*i + 1
		if j1 >= n || j1 < 0 {
			break
		}
		j := j1
		if j2 := j1 + 1; j2 < n && h.Less(j2, j1) {
			j = j2
		}
		if !h.Less(j, i) {
			break
		}
		h.Swap(i, j)
		i = j
	}
	return i > i0
}
