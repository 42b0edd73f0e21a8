package task

import "context"

// DefaultConcurrency is the default number of tasks the scheduler runs
// simultaneously.
const DefaultConcurrency = 16

type queuedTask struct {
	start  func(ctx context.Context) *Handle
	result chan *Handle
}

// Scheduler pumps queued task starts, running at most Concurrency of them
// at once. It is the node runtime's single entry point for launching
// bootstrap, lookup, announce and republish tasks without the caller
// needing to track how many are already in flight.
type Scheduler struct {
	parent context.Context
	queue  chan queuedTask
	sem    chan struct{}
}

// NewScheduler creates a Scheduler bound to parent (canceling parent stops
// accepting and running new tasks, and also cancels the ones in flight,
// since each task is started with parent as its context).
func NewScheduler(parent context.Context, concurrency int) *Scheduler {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	s := &Scheduler{
		parent: parent,
		queue:  make(chan queuedTask, 256),
		sem:    make(chan struct{}, concurrency),
	}
	go s.pump()
	return s
}

func (s *Scheduler) pump() {
	for {
		select {
		case <-s.parent.Done():
			return
		case qt := <-s.queue:
			select {
			case s.sem <- struct{}{}:
			case <-s.parent.Done():
				qt.result <- nil
				continue
			}
			h := qt.start(s.parent)
			qt.result <- h
			go func() {
				<-h.Done()
				<-s.sem
			}()
		}
	}
}

// Submit enqueues a task start function and blocks until the task has
// been granted a concurrency slot and started, returning its Handle. It
// returns nil if the scheduler's parent context is done before a slot was
// granted.
func (s *Scheduler) Submit(start func(ctx context.Context) *Handle) *Handle {
	qt := queuedTask{start: start, result: make(chan *Handle, 1)}
	select {
	case s.queue <- qt:
	case <-s.parent.Done():
		return nil
	}
	select {
	case h := <-qt.result:
		return h
	case <-s.parent.Done():
		// pump stops reading the queue once parent is done.
		select {
		case h := <-qt.result:
			return h
		default:
			return nil
		}
	}
}
