package worker

import (
	"sync"
	"time"

	"skywatch/internal/config"
	"skywatch/internal/frame"
)

// WorkItem is the unit of queued work: a captured frame plus the
// configuration snapshot that was active when it was enqueued.
type WorkItem struct {
	FrameNumber   uint64
	Capture       *frame.CapturedImage
	Config        config.CameraConfiguration
	ConfigVersion uint64
	EnqueuedAt    time.Time
}

// Release frees the item's frame resources. Called for every item that
// leaves the pipeline without being processed.
func (it *WorkItem) Release() {
	if it == nil {
		return
	}
	it.Capture.Release()
}

// workQueue is the bounded FIFO between the capture producer and the
// stacking consumer. It is condition-variable based rather than channel
// based so capacity can change in place: resizing logically replaces the
// queue while the overflow is handed back to the caller instead of being
// silently lost.
type workQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	items    []*WorkItem
	capacity int
	closed   bool

	peakDepth int
}

func newWorkQueue(capacity int) *workQueue {
	if capacity < 1 {
		capacity = 1
	}
	q := &workQueue{capacity: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// enqueueWait blocks until there is room, then admits the item. Returns
// false if the queue was closed while waiting; the item is handed back to
// the caller in that case.
func (q *workQueue) enqueueWait(item *WorkItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) >= q.capacity && !q.closed {
		q.notFull.Wait()
	}
	if q.closed {
		return false
	}
	q.push(item)
	return true
}

// enqueueDropOldest evicts as many oldest items as needed to make room and
// admits the new item without ever blocking. Evicted items are returned for
// release and drop accounting.
func (q *workQueue) enqueueDropOldest(item *WorkItem) (evicted []*WorkItem, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, false
	}
	for len(q.items) >= q.capacity {
		evicted = append(evicted, q.items[0])
		q.items = q.items[1:]
	}
	q.push(item)
	return evicted, true
}

// dequeue blocks until an item is available. ok is false once the queue is
// closed and drained.
func (q *workQueue) dequeue() (*WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	q.notFull.Signal()
	return item, true
}

// resize installs a new capacity. Queued items stay admitted in FIFO order
// up to the new capacity; the overflow (oldest first) is returned to the
// caller to be counted as drained and released.
func (q *workQueue) resize(capacity int) (drained []*WorkItem) {
	if capacity < 1 {
		capacity = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.capacity = capacity
	for len(q.items) > q.capacity {
		drained = append(drained, q.items[0])
		q.items = q.items[1:]
	}
	q.notFull.Broadcast()
	return drained
}

// close wakes all waiters. Pending items stay queued for drainRemaining.
func (q *workQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// drainRemaining empties the queue, returning the pending items.
func (q *workQueue) drainRemaining() []*WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	q.notFull.Broadcast()
	return items
}

func (q *workQueue) push(item *WorkItem) {
	q.items = append(q.items, item)
	if len(q.items) > q.peakDepth {
		q.peakDepth = len(q.items)
	}
	q.notEmpty.Signal()
}

func (q *workQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *workQueue) cap() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.capacity
}

// fill returns the fill percentage 0-100.
func (q *workQueue) fill() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity == 0 {
		return 0
	}
	return float64(len(q.items)) / float64(q.capacity) * 100
}

func (q *workQueue) peak() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.peakDepth
}

func (q *workQueue) resetPeak() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.peakDepth = len(q.items)
}
