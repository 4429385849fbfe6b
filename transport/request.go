package transport

import (
	"context"
	"net/netip"
	"sync"

	"github.com/opd-ai/btdht/krpc"
)

// Request is the handle of one outstanding RPC. It resolves exactly once;
// later resolutions are ignored.
type Request struct {
	Addr   netip.AddrPort
	Method string

	once   sync.Once
	done   chan struct{}
	resp   *krpc.Msg
	err    error
	onDone func()
}

// NewRequest creates an unresolved request handle. Transports create
// requests for every query they send; tests and in-memory transports may
// create and resolve them directly.
func NewRequest(addr netip.AddrPort, method string) *Request {
	return &Request{
		Addr:   addr,
		Method: method,
		done:   make(chan struct{}),
	}
}

// Resolve completes the request. A KRPC error message resolves the request
// with that error. Resolve reports whether this call completed the request.
func (r *Request) Resolve(resp *krpc.Msg, err error) bool {
	resolved := false
	r.once.Do(func() {
		if err == nil && resp != nil && resp.Y == krpc.TypeError && resp.E != nil {
			err = resp.E
		}
		r.resp = resp
		r.err = err
		resolved = true
		close(r.done)
		if r.onDone != nil {
			r.onDone()
		}
	})
	return resolved
}

// Cancel resolves the request with ErrCancelled if it is still pending.
func (r *Request) Cancel() {
	r.Resolve(nil, ErrCancelled)
}

// Done is closed once the request has been resolved.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Result returns the outcome of a resolved request. It must only be called
// after Done is closed.
func (r *Request) Result() (*krpc.Msg, error) {
	<-r.done
	return r.resp, r.err
}

// Wait blocks until the request resolves or ctx is done. A done context
// cancels the request.
func (r *Request) Wait(ctx context.Context) (*krpc.Msg, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		r.Cancel()
	}
	return r.Result()
}
