package sendqueue

type queueItem struct {
	msg Message
	// Admission sequence, used to break ties between messages with the same send time
	seq uint64
}

// messageHeap implements heap.Interface, ordered by send time.
type messageHeap []queueItem

func (h messageHeap) Len() int {
	return len(h)
}

func (h messageHeap) Less(i, j int) bool {
	if h[i].msg.sendAt.Equal(h[j].msg.sendAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].msg.Less(h[j].msg)
}

func (h messageHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *messageHeap) Push(x any) {
	*h = append(*h, x.(queueItem))
}

func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	// Release the reference to the body
	old[n-1] = queueItem{}
	*h = old[:n-1]
	return item
}
