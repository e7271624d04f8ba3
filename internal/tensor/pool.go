package tensor

import (
	"runtime"
	"sync"
)

type rangeTask struct {
	fn     func(start, end int)
	rs, re int
	done   chan struct{}
}

// workPool is shared by every caller in the process. Workers never submit
// tasks themselves, so concurrent sessions cannot deadlock each other.
type workPool struct {
	size      int
	tasks     chan rangeTask
	doneSlots chan chan struct{}
}

var (
	sharedPool     *workPool
	sharedPoolOnce sync.Once
)

func getPool() *workPool {
	sharedPoolOnce.Do(func() {
		sharedPool = newWorkPool(runtime.GOMAXPROCS(0))
	})
	return sharedPool
}

func newWorkPool(size int) *workPool {
	if size < 1 {
		size = 1
	}
	p := &workPool{
		size:      size,
		tasks:     make(chan rangeTask, size*2),
		doneSlots: make(chan chan struct{}, size*4),
	}
	for i := 0; i < size*4; i++ {
		p.doneSlots <- make(chan struct{}, size)
	}
	for i := 0; i < size; i++ {
		go func() {
			for task := range p.tasks {
				task.fn(task.rs, task.re)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

// Workers returns the number of pool workers.
func Workers() int {
	return getPool().size
}

// ParallelFor splits [0, n) into contiguous chunks of at least grain items
// and runs fn over them on the shared pool. It returns when every chunk is
// done. Each index is visited by exactly one call, so per-index results
// do not depend on the chunking.
func ParallelFor(n, grain int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	if grain < 1 {
		grain = 1
	}
	p := getPool()
	workers := min(p.size, (n+grain-1)/grain)
	if workers <= 1 {
		fn(0, n)
		return
	}

	chunk := (n + workers - 1) / workers
	var done chan struct{}
	select {
	case done = <-p.doneSlots:
	default:
		done = make(chan struct{}, p.size)
	}

	active := 0
	for rs := 0; rs < n; rs += chunk {
		re := min(rs+chunk, n)
		active++
		p.tasks <- rangeTask{fn: fn, rs: rs, re: re, done: done}
	}
	for i := 0; i < active; i++ {
		<-done
	}

	select {
	case p.doneSlots <- done:
	default:
	}
}
