package livequery

import (
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
)

// pushPool bounds the fan-out of subscriber callback invocations. Without
// it a tick over a popular cohort would spawn one goroutine per subscriber;
// with tens of thousands of subscribers that is a goroutine spike on every
// change.
//
// Unlike a drop-on-full queue, submit blocks when every worker is busy.
// Dropping is not an option here: the delivery contract (new subscribers
// always get a first response, errors always reach everyone) does not
// permit silently losing a push. Backpressure instead slows the tick, which
// the scheduler already tolerates - an overrunning tick just starts the
// next one late.
type pushPool struct {
	tasks  chan func()
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// newPushPool starts workerCount workers. workerCount <= 0 selects
// 2 x GOMAXPROCS.
func newPushPool(workerCount int, logger zerolog.Logger) *pushPool {
	if workerCount <= 0 {
		workerCount = 2 * runtime.GOMAXPROCS(0)
	}
	p := &pushPool{
		tasks:  make(chan func(), workerCount),
		logger: logger,
	}
	for i := 0; i < workerCount; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *pushPool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error().
						Interface("panic_value", r).
						Str("stack_trace", string(debug.Stack())).
						Msg("Push worker panic recovered - task failed but worker continues")
				}
			}()
			task()
		}()
	}
}

// submit hands a task to a worker, blocking until one can take it.
func (p *pushPool) submit(task func()) {
	p.tasks <- task
}

// close stops the pool after draining queued tasks. Submitting after close
// panics; pollers are stopped before their pool is closed.
func (p *pushPool) close() {
	close(p.tasks)
	p.wg.Wait()
}
