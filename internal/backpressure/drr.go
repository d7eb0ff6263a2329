package backpressure

import "sync"

// DRRItem is anything the Deficit Round Robin scheduler can dequeue:
// it only needs to know its own size for fairness accounting.
type DRRItem interface {
	SizeBytes() int64
}

// DRR implements Deficit Round Robin fairness across spaces (spec
// §4.6, optional). Each space accrues a deficit counter by quantum
// every round; items dequeue from a space's queue only while their
// size does not exceed that space's current deficit.
type DRR struct {
	quantum int64

	mu      sync.Mutex
	order   []string
	queued  map[string]bool // space currently present in order
	queues  map[string][]DRRItem
	deficit map[string]int64
}

// NewDRR creates a scheduler with the given per-round quantum in bytes.
func NewDRR(quantum int64) *DRR {
	return &DRR{
		quantum: quantum,
		queued:  make(map[string]bool),
		queues:  make(map[string][]DRRItem),
		deficit: make(map[string]int64),
	}
}

// Enqueue appends item to space's queue, registering the space in the
// round-robin order if it is not already waiting in it.
func (d *DRR) Enqueue(space string, item DRRItem) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.queued[space] {
		d.order = append(d.order, space)
		d.queued[space] = true
	}
	d.queues[space] = append(d.queues[space], item)
}

// Dequeue runs one Deficit Round Robin pass: each space in turn
// receives quantum more deficit, then dequeues items from the front of
// its queue while their size fits the accrued deficit. It returns the
// items released this pass, grouped in round-robin order.
func (d *DRR) Dequeue() []DRRItem {
	d.mu.Lock()
	defer d.mu.Unlock()

	var released []DRRItem
	var remaining []string

	for _, space := range d.order {
		q := d.queues[space]
		d.deficit[space] += d.quantum

		i := 0
		for i < len(q) && q[i].SizeBytes() <= d.deficit[space] {
			d.deficit[space] -= q[i].SizeBytes()
			released = append(released, q[i])
			i++
		}
		d.queues[space] = q[i:]

		if len(d.queues[space]) > 0 {
			remaining = append(remaining, space)
		} else {
			d.deficit[space] = 0
			d.queued[space] = false
		}
	}

	d.order = remaining
	return released
}

// Empty reports whether every space's queue has been drained.
func (d *DRR) Empty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.order) == 0
}
