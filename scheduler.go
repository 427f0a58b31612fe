package dnssd

import "sync"

// Scheduler runs every state-mutating operation in this package on one
// dedicated goroutine: record repository mutations, advertiser state
// transitions, packet-repeater timers, and socket-client bookkeeping only
// ever run inside a task posted here. A single reusable, stoppable type
// instead of an ad hoc channel field per component.
type Scheduler struct {
	tasks chan func()
	done  chan struct{}
	wg    sync.WaitGroup
}

// NewScheduler starts the scheduler goroutine and returns the handle used
// to post work to it.
func NewScheduler() *Scheduler {
	s := &Scheduler{
		tasks: make(chan func(), 64),
		done:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	for {
		select {
		case task := <-s.tasks:
			task()
		case <-s.done:
			s.drain()
			return
		}
	}
}

func (s *Scheduler) drain() {
	for {
		select {
		case task := <-s.tasks:
			task()
		default:
			return
		}
	}
}

// Post enqueues task to run on the scheduler goroutine and returns
// immediately. Posting after Stop silently drops the task.
func (s *Scheduler) Post(task func()) {
	select {
	case s.tasks <- task:
	case <-s.done:
	}
}

// PostSync runs task on the scheduler goroutine and blocks until it
// completes. Used where a caller needs a state change settled
// synchronously before it returns, e.g. repeater cancellation.
func (s *Scheduler) PostSync(task func()) {
	wait := make(chan struct{})
	s.Post(func() {
		defer close(wait)
		task()
	})
	<-wait
}

// Stop drains any tasks already posted, then halts the goroutine. Stop
// blocks until the goroutine has exited.
func (s *Scheduler) Stop() {
	close(s.done)
	s.wg.Wait()
}
