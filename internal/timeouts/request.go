package timeouts

import (
	"context"
	"sync"
	"time"

	"github.com/die-net/proxyagent/internal/proxyerr"
)

type requestState int

const (
	stateSending requestState = iota
	stateAwaitingResponse
	stateReceiving
	stateDone
)

// Request supervises one round trip with the response and transfer timers.
//
// The response timer runs from Finished until ResponseStarted. The transfer
// timer runs from ResponseStarted until ResponseEnded. When either fires the
// request context is cancelled with the matching timeout error as its cause.
type Request struct {
	response time.Duration
	transfer time.Duration
	info     proxyerr.RequestContext

	cancel context.CancelCauseFunc

	mu    sync.Mutex
	state requestState
	timer *time.Timer
	err   error
}

// NewRequest returns the supervisor and the context the request must run
// under. Non-positive durations disable the corresponding timer.
func NewRequest(ctx context.Context, response, transfer time.Duration, info proxyerr.RequestContext) (*Request, context.Context) {
	rctx, cancel := context.WithCancelCause(ctx)
	r := &Request{
		response: response,
		transfer: transfer,
		info:     info,
		cancel:   cancel,
	}
	return r, rctx
}

// Finished records that the request has been fully written and arms the
// response timer.
func (r *Request) Finished() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stateSending {
		return
	}
	r.state = stateAwaitingResponse
	r.arm(r.response, &proxyerr.ResponseTimeoutError{RequestContext: r.info})
}

// ResponseStarted records the first response byte. It disarms the response
// timer and arms the transfer timer.
func (r *Request) ResponseStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == stateReceiving || r.state == stateDone {
		return
	}
	r.disarm()
	r.state = stateReceiving
	r.arm(r.transfer, &proxyerr.TransferTimeoutError{RequestContext: r.info})
}

// ResponseEnded records that the body was fully read or closed, disarming
// the transfer timer.
func (r *Request) ResponseEnded() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disarm()
	r.state = stateDone
}

// Stop disarms every timer and releases the request context.
func (r *Request) Stop() {
	r.ResponseEnded()
	r.cancel(nil)
}

// Err returns the timeout error that fired, if any.
func (r *Request) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// MapErr replaces err with the timeout error when a timer fired; errors
// unrelated to the timers are returned unchanged.
func (r *Request) MapErr(err error) error {
	if err == nil {
		return nil
	}
	if terr := r.Err(); terr != nil {
		return terr
	}
	return err
}

func (r *Request) arm(d time.Duration, terr error) {
	if d <= 0 {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		r.mu.Lock()
		if r.timer != t {
			r.mu.Unlock()
			return
		}
		r.timer = nil
		r.err = terr
		r.state = stateDone
		r.mu.Unlock()

		r.cancel(terr)
	})
	r.timer = t
}

func (r *Request) disarm() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
