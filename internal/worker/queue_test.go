package worker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func item(n uint64) *WorkItem {
	return &WorkItem{FrameNumber: n, EnqueuedAt: time.Now()}
}

func TestQueueFIFOOrder(t *testing.T) {
	q := newWorkQueue(4)
	for i := uint64(1); i <= 4; i++ {
		evicted, ok := q.enqueueDropOldest(item(i))
		require.True(t, ok)
		require.Empty(t, evicted)
	}
	for i := uint64(1); i <= 4; i++ {
		it, ok := q.dequeue()
		require.True(t, ok)
		assert.Equal(t, i, it.FrameNumber)
	}
}

func TestQueueDropOldestEvictsHead(t *testing.T) {
	q := newWorkQueue(3)
	for i := uint64(1); i <= 3; i++ {
		_, ok := q.enqueueDropOldest(item(i))
		require.True(t, ok)
	}

	evicted, ok := q.enqueueDropOldest(item(4))
	require.True(t, ok)
	require.Len(t, evicted, 1)
	assert.Equal(t, uint64(1), evicted[0].FrameNumber, "oldest frame is evicted first")

	it, _ := q.dequeue()
	assert.Equal(t, uint64(2), it.FrameNumber)
	assert.Equal(t, 2, q.depth())
}

func TestQueueWaitBlocksUntilRoom(t *testing.T) {
	q := newWorkQueue(1)
	require.True(t, q.enqueueWait(item(1)))

	admitted := make(chan bool)
	go func() {
		admitted <- q.enqueueWait(item(2))
	}()

	select {
	case <-admitted:
		t.Fatal("enqueueWait returned while the queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	it, ok := q.dequeue()
	require.True(t, ok)
	assert.Equal(t, uint64(1), it.FrameNumber)

	select {
	case ok := <-admitted:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("blocked producer was not woken after dequeue")
	}
	assert.Equal(t, 1, q.depth())
}

func TestQueueCloseWakesBlockedProducer(t *testing.T) {
	q := newWorkQueue(1)
	require.True(t, q.enqueueWait(item(1)))

	admitted := make(chan bool)
	go func() {
		admitted <- q.enqueueWait(item(2))
	}()
	time.Sleep(20 * time.Millisecond)
	q.close()

	select {
	case ok := <-admitted:
		assert.False(t, ok, "close must reject the waiting producer")
	case <-time.After(time.Second):
		t.Fatal("blocked producer was not woken by close")
	}
}

func TestQueueDequeueDrainsAfterClose(t *testing.T) {
	q := newWorkQueue(4)
	q.enqueueDropOldest(item(1))
	q.enqueueDropOldest(item(2))
	q.close()

	// Pending items stay dequeueable after close.
	it, ok := q.dequeue()
	require.True(t, ok)
	assert.Equal(t, uint64(1), it.FrameNumber)
	it, ok = q.dequeue()
	require.True(t, ok)
	assert.Equal(t, uint64(2), it.FrameNumber)

	_, ok = q.dequeue()
	assert.False(t, ok, "empty closed queue reports done")
}

func TestQueueResizeShedsOverflowOldestFirst(t *testing.T) {
	q := newWorkQueue(5)
	for i := uint64(1); i <= 5; i++ {
		q.enqueueDropOldest(item(i))
	}

	drained := q.resize(2)
	require.Len(t, drained, 3)
	assert.Equal(t, uint64(1), drained[0].FrameNumber)
	assert.Equal(t, uint64(3), drained[2].FrameNumber)
	assert.Equal(t, 2, q.cap())

	it, _ := q.dequeue()
	assert.Equal(t, uint64(4), it.FrameNumber, "survivors keep FIFO order")
}

func TestQueueResizeGrowUnblocksProducer(t *testing.T) {
	q := newWorkQueue(1)
	require.True(t, q.enqueueWait(item(1)))

	admitted := make(chan bool)
	go func() {
		admitted <- q.enqueueWait(item(2))
	}()
	time.Sleep(20 * time.Millisecond)

	drained := q.resize(3)
	assert.Empty(t, drained)

	select {
	case ok := <-admitted:
		assert.True(t, ok, "growing must admit the blocked producer")
	case <-time.After(time.Second):
		t.Fatal("blocked producer was not woken by grow")
	}
	assert.Equal(t, 2, q.depth())
}

func TestQueuePeakDepthTracking(t *testing.T) {
	q := newWorkQueue(8)
	for i := uint64(1); i <= 5; i++ {
		q.enqueueDropOldest(item(i))
	}
	q.dequeue()
	q.dequeue()
	assert.Equal(t, 5, q.peak())
	assert.Equal(t, 3, q.depth())

	q.resetPeak()
	assert.Equal(t, 3, q.peak(), "reset snaps the peak to the current depth")
}

func TestQueueConcurrentProducersConsumerLosesNothing(t *testing.T) {
	q := newWorkQueue(16)
	const producers = 8
	const perProducer = 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(base uint64) {
			defer wg.Done()
			for i := uint64(0); i < perProducer; i++ {
				if !q.enqueueWait(item(base + i)) {
					return
				}
			}
		}(uint64(p) * 1000)
	}

	received := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, ok := q.dequeue(); !ok {
				return
			}
			received++
		}
	}()

	wg.Wait()
	q.close()
	<-done
	assert.Equal(t, producers*perProducer, received)
}
