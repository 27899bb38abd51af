package elicitation

import (
	"context"
	"sync"
)

// Pending is a one-shot continuation. It is fulfilled exactly once, either
// with a Response or with an error; a second attempt returns
// ErrAlreadyFulfilled and leaves the first outcome in place.
type Pending struct {
	mu        sync.Mutex
	done      chan struct{}
	fulfilled bool
	resp      Response
	err       error
}

// NewPending returns an unfulfilled continuation.
func NewPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

// Fulfil completes the continuation with resp.
func (p *Pending) Fulfil(resp Response) error {
	return p.complete(resp, nil)
}

// Fail completes the continuation with err.
func (p *Pending) Fail(err error) error {
	return p.complete(Response{}, err)
}

func (p *Pending) complete(resp Response, err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fulfilled {
		return ErrAlreadyFulfilled
	}
	p.fulfilled = true
	p.resp = resp
	p.err = err
	close(p.done)
	return nil
}

// Fulfilled reports whether the continuation has completed.
func (p *Pending) Fulfilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fulfilled
}

// Done is closed once the continuation completes.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the continuation completes or ctx ends.
func (p *Pending) Wait(ctx context.Context) (Response, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.resp, p.err
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}
