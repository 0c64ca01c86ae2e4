package client

import (
	"context"
	"time"

	"github.com/KeckObservatory/mKTL/reqrep"
	"github.com/KeckObservatory/mKTL/store"
	"github.com/KeckObservatory/mKTL/wire"
)

// Item is a client-side handle on one mKTL item: a cached mirror value
// plus the daemon request connection needed to issue GET/SET against
// it, per §4.8.
type Item struct {
	*store.MirrorItem
	target    string
	reqClient *reqrep.Client
}

// Refresh issues an explicit GET against the owning daemon and updates
// the mirror cache from the reply, rather than waiting for the next
// broadcast.
func (it *Item) Refresh(ctx context.Context, opts reqrep.Options) error {
	raw, err := wire.EncodePayload(&wire.Payload{Refresh: true})
	if err != nil {
		return err
	}
	rep, err := it.reqClient.Send(ctx, wire.TypeGET, it.target, raw, nil, opts)
	if err != nil {
		return err
	}
	p, err := wire.DecodePayload(rep.Payload)
	if err != nil {
		return err
	}
	if p.Error != nil {
		return wire.FromWireError(p.Error)
	}
	it.ApplyGetReply(p, rep.Bulk)
	return nil
}

// Set is the synchronous operator form ("wait=true" in §4.8): it sends
// a SET and blocks for the daemon's reply.
func (it *Item) Set(ctx context.Context, value any, opts reqrep.Options) error {
	p := &wire.Payload{}
	if err := p.SetValue(value); err != nil {
		return err
	}
	raw, err := wire.EncodePayload(p)
	if err != nil {
		return err
	}
	rep, err := it.reqClient.Send(ctx, wire.TypeSET, it.target, raw, nil, opts)
	if err != nil {
		return err
	}
	rp, err := wire.DecodePayload(rep.Payload)
	if err != nil {
		return err
	}
	if rp.Error != nil {
		return wire.FromWireError(rp.Error)
	}
	return nil
}

// SetAsync is the fire-and-forget operator form ("wait=false" in
// §4.8): it dispatches the SET on a background goroutine and returns a
// PendingRequest the caller can Poll or Wait on at its own pace.
func (it *Item) SetAsync(ctx context.Context, value any, opts reqrep.Options) *PendingRequest {
	pr := &PendingRequest{done: make(chan struct{})}
	go func() {
		pr.err = it.Set(ctx, value, opts)
		close(pr.done)
	}()
	return pr
}

// PendingRequest is a handle on a SET issued with wait=false.
type PendingRequest struct {
	done chan struct{}
	err  error
}

// Poll reports whether the request has completed, and if so, its
// result. It never blocks.
func (p *PendingRequest) Poll() (finished bool, err error) {
	select {
	case <-p.done:
		return true, p.err
	default:
		return false, nil
	}
}

// Wait blocks until the request completes or timeout elapses, whichever
// comes first. A non-positive timeout waits indefinitely.
func (p *PendingRequest) Wait(timeout time.Duration) error {
	if timeout <= 0 {
		<-p.done
		return p.err
	}
	select {
	case <-p.done:
		return p.err
	case <-time.After(timeout):
		return &wire.TimeoutError{Operation: "pending_set", Timeout: timeout.Seconds()}
	}
}
