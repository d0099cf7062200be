package core

import (
	"VaultLedger/internal/event"
	"VaultLedger/internal/observability"
	"context"
	"errors"
	"time"
)

// ErrDispatcherStopped is returned once Run has exited
var ErrDispatcherStopped = errors.New("dispatcher stopped")

// Dispatcher is the total-order commit queue in front of the core.
// Every Submit and Read runs on the single Run goroutine, so no operation
// observes a partially applied sibling.
type Dispatcher struct {
	core     *DeterministicCore
	requests chan dispatchRequest
	stopped  chan struct{}
	metrics  *observability.Metrics
}

type dispatchRequest struct {
	ctx      context.Context
	evt      event.Event
	read     func(*DeterministicCore) error
	enqueued time.Time
	reply    chan dispatchReply
}

type dispatchReply struct {
	receipt *Receipt
	err     error
}

func NewDispatcher(core *DeterministicCore, queueSize int, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{
		core:     core,
		requests: make(chan dispatchRequest, queueSize),
		stopped:  make(chan struct{}),
		metrics:  metrics,
	}
}

// Run applies queued requests in arrival order until ctx is cancelled.
// It must be the only goroutine touching the core while it runs.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.stopped)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-d.requests:
			d.handle(req)
		}
	}
}

func (d *Dispatcher) handle(req dispatchRequest) {
	// A caller that gave up before its turn is never applied
	if err := req.ctx.Err(); err != nil {
		req.reply <- dispatchReply{err: err}
		return
	}

	if d.metrics != nil {
		d.metrics.DispatchQueueWait.Observe(time.Since(req.enqueued).Seconds())
		d.metrics.SetChannelMetrics("dispatch", len(d.requests), cap(d.requests))
	}

	if req.read != nil {
		req.reply <- dispatchReply{err: req.read(d.core)}
		return
	}

	receipt, err := d.core.ProcessEvent(req.ctx, req.evt)
	req.reply <- dispatchReply{receipt: receipt, err: err}
}

// Submit queues evt and waits for its receipt. If ctx ends after the event
// was queued the outcome is unknown to the caller, who must re-read state.
func (d *Dispatcher) Submit(ctx context.Context, evt event.Event) (*Receipt, error) {
	rep, err := d.do(ctx, dispatchRequest{evt: evt})
	if err != nil {
		return nil, err
	}
	return rep.receipt, rep.err
}

// Read runs fn on the core goroutine against committed state
func (d *Dispatcher) Read(ctx context.Context, fn func(c *DeterministicCore) error) error {
	rep, err := d.do(ctx, dispatchRequest{read: fn})
	if err != nil {
		return err
	}
	return rep.err
}

func (d *Dispatcher) do(ctx context.Context, req dispatchRequest) (dispatchReply, error) {
	req.ctx = ctx
	req.enqueued = time.Now()
	req.reply = make(chan dispatchReply, 1)

	select {
	case d.requests <- req:
	case <-ctx.Done():
		return dispatchReply{}, ctx.Err()
	case <-d.stopped:
		return dispatchReply{}, ErrDispatcherStopped
	}

	select {
	case rep := <-req.reply:
		return rep, nil
	case <-ctx.Done():
		return dispatchReply{}, ctx.Err()
	case <-d.stopped:
		select {
		case rep := <-req.reply:
			return rep, nil
		default:
			return dispatchReply{}, ErrDispatcherStopped
		}
	}
}
