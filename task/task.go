// Package task implements the iterative lookup engine shared by every
// outbound DHT operation — find-node, find-value, find-peer, announce-peer,
// store-value and ping-refresh — plus the scheduler that pumps a bounded
// number of them concurrently. Every task is a small state
// machine: queued -> running -> {finished, canceled, timeout}.
package task

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/boson-network/boson/common"
	"github.com/boson-network/boson/kbucket"
	"github.com/boson-network/boson/metrics"
	"github.com/boson-network/boson/wire"
)

// Deps bundles the collaborators every task constructor needs: the
// transport to send RPCs on, the routing table to seed candidates from and
// report liveness to, and the local node's own id (carried in every
// outbound request's SenderId field).
type Deps struct {
	Transport Transport
	Table     RoutingTable
	LocalId   common.Id
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// run starts fn on its own goroutine under a cancelable child of parent,
// translating its outcome into the Handle's terminal status, and records
// the task.* metrics.
func run(parent context.Context, timeout time.Duration, fn func(ctx context.Context) error) *Handle {
	if timeout == 0 {
		timeout = DefaultLookupTimeout
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	h := newHandle(cancel)
	metrics.TaskStarted.Mark(1)
	go func() {
		defer cancel()
		h.setRunning()
		err := fn(ctx)
		metrics.TaskTimeout.Update(time.Since(h.started))
		switch {
		case errors.Is(err, context.Canceled):
			metrics.TaskCanceled.Mark(1)
			h.finish(Canceled, err)
		case errors.Is(err, context.DeadlineExceeded):
			h.finish(TimedOut, err)
			metrics.TaskFinished.Mark(1)
		default:
			h.finish(Finished, err)
			metrics.TaskFinished.Mark(1)
		}
	}()
	return h
}

// Status is a task's lifecycle state.
type Status int

const (
	Queued Status = iota
	Running
	Finished
	Canceled
	TimedOut
)

func (s Status) String() string {
	switch s {
	case Queued:
		return "queued"
	case Running:
		return "running"
	case Finished:
		return "finished"
	case Canceled:
		return "canceled"
	case TimedOut:
		return "timed-out"
	default:
		return "unknown"
	}
}

// DefaultLookupTimeout is the per-task deadline used when a caller doesn't
// override it.
const DefaultLookupTimeout = 60 * time.Second

// Alpha is the default lookup parallelism.
const Alpha = 3

// Transport is the subset of *rpcserver.Server the task engine needs: send
// a request and await its response, honoring ctx cancellation. It is an
// interface so tests can substitute a fake network.
type Transport interface {
	Request(ctx context.Context, addr *net.UDPAddr, id common.Id, method wire.Method, req *wire.Request, timeout time.Duration) (*wire.Response, error)
}

// RoutingTable is the subset of *kbucket.Table the task engine touches:
// candidate seeding and liveness feedback.
type RoutingTable interface {
	Closest(target common.Id, k int) []*kbucket.Contact
	MarkResponded(id common.Id)
	MarkFailed(id common.Id)
	Insert(c *kbucket.Contact) kbucket.Disposition
}

// Handle is what a caller holds to observe and cancel a running task.
type Handle struct {
	mu      sync.Mutex
	status  Status
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	started time.Time
}

func newHandle(cancel context.CancelFunc) *Handle {
	return &Handle{status: Queued, cancel: cancel, done: make(chan struct{}), started: time.Now()}
}

// Status returns the task's current lifecycle state.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Err returns the task's terminal error, if any (nil on Finished).
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Done is closed when the task reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancel marks the task canceled; in-flight RPC completions are resolved
// with Canceled and the transaction entries are left for their natural
// timeout.
func (h *Handle) Cancel() {
	h.mu.Lock()
	if h.status == Finished || h.status == Canceled || h.status == TimedOut {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	h.cancel()
}

func (h *Handle) setRunning() {
	h.mu.Lock()
	if h.status == Queued {
		h.status = Running
	}
	h.mu.Unlock()
}

func (h *Handle) finish(status Status, err error) {
	h.mu.Lock()
	if h.status == Finished || h.status == Canceled || h.status == TimedOut {
		h.mu.Unlock()
		return
	}
	h.status = status
	h.err = err
	h.mu.Unlock()
	close(h.done)
}
