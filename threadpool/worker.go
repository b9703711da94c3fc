package threadpool

import (
	"sync/atomic"

	"github.com/gomlx/exceptions"

	"github.com/sbl8/hostrt/async"
)

// Task is one unit of a parallel loop, identified by its linear index.
type Task func(index uint64) error

// partition is a contiguous range of task indices claimed front to back.
type partition struct {
	next atomic.Uint64
	end  uint64
	_    [48]byte // keep partitions on separate cache lines
}

// workQueue splits [0, numTasks) into contiguous partitions, one per worker.
type workQueue struct {
	partitions []partition
}

func newWorkQueue(numTasks, numPartitions uint64) *workQueue {
	q := &workQueue{partitions: make([]partition, numPartitions)}
	size, rem := numTasks/numPartitions, numTasks%numPartitions
	begin := uint64(0)
	for i := range q.partitions {
		n := size
		if uint64(i) < rem {
			n++
		}
		q.partitions[i].next.Store(begin)
		q.partitions[i].end = begin + n
		begin += n
	}
	return q
}

// pop claims the next index of partition i.
func (q *workQueue) pop(i int) (uint64, bool) {
	p := &q.partitions[i]
	if p.next.Load() >= p.end {
		return 0, false
	}
	idx := p.next.Add(1) - 1
	if idx >= p.end {
		return 0, false
	}
	return idx, true
}

// Parallelize runs task for every index in [0, numTasks) using numWorkers
// workers scheduled on dev, and returns without waiting. Each worker drains its
// own partition first and then steals from the others. Every task runs even if
// some fail; the returned event carries the first error recorded.
//
// numWorkers is clamped to [1, numTasks]. numTasks must be positive.
func Parallelize(dev Device, numWorkers, numTasks uint64, task Task) *async.Event {
	if numTasks == 0 {
		exceptions.Panicf("threadpool: Parallelize needs at least one task")
	}
	if numWorkers == 0 {
		numWorkers = 1
	}
	if numWorkers > numTasks {
		numWorkers = numTasks
	}

	queue := newWorkQueue(numTasks, numWorkers)
	count := async.NewCountDown(int64(numWorkers))

	for w := 0; w < int(numWorkers); w++ {
		dev.Schedule(func() {
			runWorker(queue, w, task, count)
		})
	}
	return count.Event()
}

func runWorker(queue *workQueue, self int, task Task, count *async.CountDown) {
	n := len(queue.partitions)
	for i := 0; i < n; i++ {
		victim := (self + i) % n
		for {
			idx, ok := queue.pop(victim)
			if !ok {
				break
			}
			if err := task(idx); err != nil {
				count.Error(err)
			}
		}
	}
	count.CountDown(1)
}
