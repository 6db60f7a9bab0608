package wisckv

import (
	"container/heap"
	"sync/atomic"
)

// wmHeap is the min-heap of indices still in flight, grounded on the
// single-consumer goroutine + container/heap pattern dgraph-io/badger's
// y.WaterMark uses.
type wmHeap []uint64

func (h wmHeap) Len() int            { return len(h) }
func (h wmHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h wmHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *wmHeap) Push(x interface{}) { *h = append(*h, x.(uint64)) }
func (h *wmHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

type markCmd struct {
	index   uint64
	done    bool
	waiter  chan struct{}
	waitIdx uint64
}

// Watermark tracks the lowest index below which every index has been
// marked Done, so a transaction can wait for "every reader/committer at or
// below timestamp T has finished". txn_mark gates snapshot visibility;
// read_mark gates garbage collection of committed transaction records.
type Watermark struct {
	doneUntil uint64
	markCh    chan markCmd
	stopCh    chan struct{}
}

func newWatermark() *Watermark {
	w := &Watermark{
		markCh: make(chan markCmd, 100),
		stopCh: make(chan struct{}),
	}
	go w.process()
	return w
}

// Begin records that index is now in flight.
func (w *Watermark) Begin(index uint64) {
	w.markCh <- markCmd{index: index, done: false}
}

// Done marks index as finished.
func (w *Watermark) Done(index uint64) {
	w.markCh <- markCmd{index: index, done: true}
}

// DoneUntil returns the highest index below which everything is done.
func (w *Watermark) DoneUntil() uint64 {
	return atomic.LoadUint64(&w.doneUntil)
}

// WaitForMark blocks until DoneUntil() >= index.
func (w *Watermark) WaitForMark(index uint64) {
	if w.DoneUntil() >= index {
		return
	}
	wait := make(chan struct{})
	w.markCh <- markCmd{index: index, waiter: wait, waitIdx: index}
	<-wait
}

func (w *Watermark) Stop() {
	close(w.stopCh)
}

// process is the single goroutine that owns the pending-indices heap and
// the per-index waiter list; every Begin/Done/WaitForMark call is funneled
// through markCh so no lock is needed here.
func (w *Watermark) process() {
	var indices wmHeap
	pending := make(map[uint64]int64)
	waiters := make(map[uint64][]chan struct{})

	heap.Init(&indices)

	processOne := func(index uint64, done bool) {
		prev, ok := pending[index]
		if !ok {
			heap.Push(&indices, index)
		}
		delta := int64(1)
		if done {
			delta = -1
		}
		pending[index] = prev + delta

		doneUntil := w.DoneUntil()
		localDone := doneUntil
		for len(indices) > 0 {
			min := indices[0]
			if c := pending[min]; c > 0 {
				break
			}
			heap.Pop(&indices)
			delete(pending, min)
			localDone = min
		}
		if localDone != doneUntil {
			atomic.StoreUint64(&w.doneUntil, localDone)
		}

		for idx, chans := range waiters {
			if idx <= w.DoneUntil() {
				for _, ch := range chans {
					close(ch)
				}
				delete(waiters, idx)
			}
		}
	}

	for {
		select {
		case <-w.stopCh:
			for _, chans := range waiters {
				for _, ch := range chans {
					close(ch)
				}
			}
			return
		case cmd := <-w.markCh:
			if cmd.waiter != nil {
				if w.DoneUntil() >= cmd.waitIdx {
					close(cmd.waiter)
					continue
				}
				waiters[cmd.waitIdx] = append(waiters[cmd.waitIdx], cmd.waiter)
				continue
			}
			processOne(cmd.index, cmd.done)
		}
	}
}
