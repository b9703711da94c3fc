package threadpool

import (
	"math"
	"time"

	"github.com/gomlx/exceptions"

	"github.com/sbl8/hostrt/async"
)

// MaxWorkers caps the number of workers of a single parallel operation so a
// worker index always fits in 16 bits.
const MaxWorkers = math.MaxUint16

// LoopRunner schedules parallel loops one after another on a Device. Each loop
// starts only after the previous one completed; the runner's done event tracks
// the last scheduled loop. A LoopRunner is not safe for concurrent use.
//
// When a worker timeslice is set, the runner executes the first task of a loop
// on the calling goroutine, measures it, and sizes the worker count so each
// worker gets roughly one timeslice of work.
type LoopRunner struct {
	dev       Device
	timeslice time.Duration
	done      *async.Event
}

// NewLoopRunner returns a runner on dev. A zero timeslice disables worker
// count estimation.
func NewLoopRunner(dev Device, timeslice time.Duration) *LoopRunner {
	return &LoopRunner{dev: dev, timeslice: timeslice, done: async.OkEvent()}
}

// NumThreads returns the thread count of the underlying device.
func (r *LoopRunner) NumThreads() int { return r.dev.NumThreads() }

// DoneEvent returns the event resolved once every scheduled loop completed.
func (r *LoopRunner) DoneEvent() *async.Event { return r.done }

// ResetDoneEvent returns the current done event and resets the runner to the
// already resolved state.
func (r *LoopRunner) ResetDoneEvent() *async.Event {
	done := r.done
	r.done = async.OkEvent()
	return done
}

// TakeDoneEvent consumes the runner and returns its done event.
func TakeDoneEvent(r *LoopRunner) *async.Event {
	done := r.done
	r.done = nil
	return done
}

func (r *LoopRunner) checkUsable() {
	if r.done == nil {
		exceptions.Panicf("threadpool: loop runner used after TakeDoneEvent")
	}
}

// scheduleOne runs task once the current done event resolves.
func (r *LoopRunner) scheduleOne(task func()) {
	event := async.NewEvent()
	r.done.AndThen(func(err error) {
		if err != nil {
			event.SetError(err)
			return
		}
		task()
		event.SetAvailable()
	})
	r.done = event
}

// optimalNumWorkers runs task 0 on the caller and estimates how many workers
// give each roughly one timeslice of the remaining work.
func optimalNumWorkers(timeslice time.Duration, numThreads, numTasks uint64, task func(uint64)) uint64 {
	start := time.Now()
	task(0)
	elapsed := uint64(time.Since(start))

	workload := (numTasks - 1) * elapsed
	slice := uint64(timeslice)
	workers := min(numTasks-1, numThreads, (workload+slice-1)/slice)
	return min(workers, MaxWorkers)
}

func forward(from, to *async.Event) {
	from.AndThen(func(err error) {
		if err != nil {
			to.SetError(err)
			return
		}
		to.SetAvailable()
	})
}

func (r *LoopRunner) scheduleAll(numTasks uint64, task func(uint64)) {
	numThreads := uint64(max(r.dev.NumThreads(), 1))
	parallel := func(index uint64) error {
		task(index)
		return nil
	}
	shifted := func(index uint64) error {
		task(index + 1)
		return nil
	}

	// Fast path: nothing pending, so the first task can be measured right away.
	if r.done.IsConcrete() && r.timeslice > 0 {
		workers := optimalNumWorkers(r.timeslice, numThreads, numTasks, task)
		if workers <= 1 {
			for i := uint64(1); i < numTasks; i++ {
				task(i)
			}
			return
		}
		r.done = Parallelize(r.dev, workers, numTasks-1, shifted)
		return
	}

	numWorkers := min(numTasks, numThreads, MaxWorkers)
	event := async.NewEvent()
	r.done.AndThen(func(err error) {
		if err != nil {
			event.SetError(err)
			return
		}
		if r.timeslice <= 0 {
			forward(Parallelize(r.dev, numWorkers, numTasks, parallel), event)
			return
		}
		workers := min(optimalNumWorkers(r.timeslice, numThreads, numTasks, task), numWorkers)
		if workers <= 1 {
			for i := uint64(1); i < numTasks; i++ {
				task(i)
			}
			event.SetAvailable()
			return
		}
		forward(Parallelize(r.dev, workers, numTasks-1, shifted), event)
	})
	r.done = event
}

func (r *LoopRunner) parallelize(numTasks uint64, task func(uint64)) {
	r.checkUsable()
	if numTasks == 0 {
		exceptions.Panicf("threadpool: expected at least one task")
	}
	if numTasks == 1 {
		if r.done.IsConcrete() {
			task(0)
			return
		}
		r.scheduleOne(func() { task(0) })
		return
	}
	r.scheduleAll(numTasks, task)
}

func ceilOfRatio(a, b uint64) uint64 { return (a + b - 1) / b }

// Parallelize1D calls task(i) for i in [0, rng).
func (r *LoopRunner) Parallelize1D(rng uint64, task func(i uint64)) {
	r.parallelize(rng, task)
}

// Parallelize1DTile1D splits [0, rng) into tiles of at most tile elements and
// calls task(offset, extent) for each.
func (r *LoopRunner) Parallelize1DTile1D(rng, tile uint64, task func(offset, extent uint64)) {
	numTasks := ceilOfRatio(rng, tile)
	r.parallelize(numTasks, func(index uint64) {
		offset := index * tile
		task(offset, min(rng-offset, tile))
	})
}

// Parallelize2DTile1D calls task(i, offsetJ, extentJ) for every i in
// [0, rangeI) and every tile of [0, rangeJ).
func (r *LoopRunner) Parallelize2DTile1D(rangeI, rangeJ, tileJ uint64, task func(i, offsetJ, extentJ uint64)) {
	tilesJ := ceilOfRatio(rangeJ, tileJ)
	r.parallelize(rangeI*tilesJ, func(index uint64) {
		i, j := index/tilesJ, index%tilesJ
		offsetJ := j * tileJ
		task(i, offsetJ, min(rangeJ-offsetJ, tileJ))
	})
}

// Parallelize3DTile2D calls task for every i in [0, rangeI) and every tile of
// the [0, rangeJ) x [0, rangeK) plane.
func (r *LoopRunner) Parallelize3DTile2D(rangeI, rangeJ, rangeK, tileJ, tileK uint64,
	task func(i, offsetJ, offsetK, extentJ, extentK uint64)) {
	tilesJ := ceilOfRatio(rangeJ, tileJ)
	tilesK := ceilOfRatio(rangeK, tileK)
	tiles := tilesJ * tilesK
	r.parallelize(rangeI*tiles, func(index uint64) {
		i := index / tiles
		index %= tiles
		j, k := index/tilesK, index%tilesK
		offsetJ, offsetK := j*tileJ, k*tileK
		task(i, offsetJ, offsetK, min(rangeJ-offsetJ, tileJ), min(rangeK-offsetK, tileK))
	})
}
