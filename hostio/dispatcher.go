// Package hostio runs asynchronous fs/http capability requests on host
// goroutines and queues the replies for injection into a future weave.
// Replies correlate with requests by req_id.
package hostio

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/najoast/filament/abi"
)

// Request is one asynchronous host operation.
type Request struct {
	PID     uint64
	ReqID   uint64
	Topic   string
	Payload []byte
}

// Reply carries the outcome back toward the staging area.
type Reply struct {
	PID     uint64
	ReqID   uint64
	Topic   string
	Payload []byte
	Err     error
}

// Handler executes one request on a host goroutine.
type Handler func(ctx context.Context, req Request) ([]byte, error)

// Dispatcher owns the host worker pool. Handlers register per topic
// prefix; the kernel drains completed replies at weave ingress.
type Dispatcher struct {
	mu       sync.Mutex
	handlers map[string]Handler
	replies  map[uint64][]Reply // keyed by pid
	procCtx  map[uint64]context.CancelFunc
	procRoot map[uint64]context.Context

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher creates a dispatcher running at most parallelism
// requests concurrently.
func NewDispatcher(parallelism int) *Dispatcher {
	if parallelism <= 0 {
		parallelism = 8
	}
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(parallelism)
	return &Dispatcher{
		handlers: make(map[string]Handler),
		replies:  make(map[uint64][]Reply),
		procCtx:  make(map[uint64]context.CancelFunc),
		procRoot: make(map[uint64]context.Context),
		group:    group,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// RegisterHandler installs a handler for a topic prefix, e.g.
// "filament/fs/" or "filament/net/http/". Longest prefix wins.
func (d *Dispatcher) RegisterHandler(prefix string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[prefix] = h
}

func (d *Dispatcher) lookup(topic string) (Handler, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var best string
	var h Handler
	for prefix, handler := range d.handlers {
		if strings.HasPrefix(topic, prefix) && len(prefix) > len(best) {
			best, h = prefix, handler
		}
	}
	return h, h != nil
}

// Submit schedules a request. The reply, success or failure, appears in
// a later Drain for the requesting process.
func (d *Dispatcher) Submit(req Request) {
	h, ok := d.lookup(req.Topic)
	if !ok {
		d.push(Reply{
			PID: req.PID, ReqID: req.ReqID, Topic: req.Topic,
			Err: fmt.Errorf("hostio: topic %s: %w: no handler", req.Topic, abi.ErrNotFound),
		})
		return
	}

	ctx := d.processCtx(req.PID)
	d.group.Go(func() error {
		payload, err := h(ctx, req)
		if ctx.Err() != nil {
			// Process terminated while in flight: drop the reply.
			return nil
		}
		d.push(Reply{PID: req.PID, ReqID: req.ReqID, Topic: req.Topic, Payload: payload, Err: err})
		return nil
	})
}

func (d *Dispatcher) processCtx(pid uint64) context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ctx, ok := d.procRoot[pid]; ok {
		return ctx
	}
	ctx, cancel := context.WithCancel(d.ctx)
	d.procRoot[pid] = ctx
	d.procCtx[pid] = cancel
	return ctx
}

func (d *Dispatcher) push(r Reply) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.replies[r.PID] = append(d.replies[r.PID], r)
}

// Drain removes and returns the completed replies for pid.
func (d *Dispatcher) Drain(pid uint64) []Reply {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.replies[pid]
	delete(d.replies, pid)
	return out
}

// CancelProcess cancels in-flight requests for pid and drops any queued
// replies. Called on process termination.
func (d *Dispatcher) CancelProcess(pid uint64) {
	d.mu.Lock()
	cancel := d.procCtx[pid]
	delete(d.procCtx, pid)
	delete(d.procRoot, pid)
	delete(d.replies, pid)
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close stops accepting work and waits for in-flight handlers.
func (d *Dispatcher) Close() error {
	d.cancel()
	return d.group.Wait()
}
