package reqrep

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KeckObservatory/mKTL/logging"
	"github.com/KeckObservatory/mKTL/observability"
	"github.com/KeckObservatory/mKTL/wire"
)

// DefaultAckTimeout is the default wait for a daemon's ACK before the
// client treats a request as failed, per §4.2.
const DefaultAckTimeout = 100 * time.Millisecond

// DefaultTimeout is the default overall wait for a REP once the ACK has
// arrived, per §4.2.
const DefaultTimeout = 5 * time.Second

// pending tracks one in-flight request's correlator state: a
// map[uint64]*pending guarded by a mutex, racing two sequential
// timeouts (ack, then overall) rather than one.
type pending struct {
	acked  chan struct{}
	result chan *wire.Frame
	once   sync.Once
}

func newPending() *pending {
	return &pending{
		acked:  make(chan struct{}),
		result: make(chan *wire.Frame, 1),
	}
}

func (p *pending) markAcked() {
	p.once.Do(func() { close(p.acked) })
}

// Client is the DEALER-equivalent request sender: one persistent TCP
// connection to a single daemon, with requests correlated by ID and
// demultiplexed off a single background receive loop.
type Client struct {
	conn   net.Conn
	logger logging.Logger

	nextID uint64

	mu      sync.Mutex
	waiting map[uint64]*pending
	closed  bool
}

// Dial connects to a daemon's request socket at addr.
func Dial(addr string, logger logging.Logger) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	if logger == nil {
		logger = logging.Noop()
	}
	c := &Client{
		conn:    conn,
		logger:  logger,
		waiting: make(map[uint64]*pending),
	}
	go c.receiveLoop()
	return c, nil
}

func (c *Client) receiveLoop() {
	for {
		parts, err := wire.ReadMultipart(c.conn)
		if err != nil {
			c.abortAll(err)
			return
		}
		frame, err := wire.DecodeFrame(parts)
		if err != nil {
			c.logger.Warn("dropping_malformed_frame", "error", err.Error())
			continue
		}

		c.mu.Lock()
		p, ok := c.waiting[frame.ID]
		c.mu.Unlock()
		if !ok {
			continue // unknown or already-completed request; ignore
		}

		switch frame.Type {
		case wire.TypeACK:
			p.markAcked()
		default: // REP
			c.mu.Lock()
			delete(c.waiting, frame.ID)
			c.mu.Unlock()
			select {
			case p.result <- frame:
			default:
			}
		}
	}
}

func (c *Client) abortAll(err error) {
	c.mu.Lock()
	waiting := c.waiting
	c.waiting = make(map[uint64]*pending)
	c.closed = true
	c.mu.Unlock()

	for _, p := range waiting {
		p.markAcked()
		select {
		case p.result <- nil:
		default:
		}
	}
	if err != nil {
		c.logger.Warn("connection_closed", "error", err.Error())
	}
}

// Options configures one Send call's timeouts.
type Options struct {
	AckTimeout time.Duration
	Timeout    time.Duration
}

func (o Options) withDefaults() Options {
	if o.AckTimeout <= 0 {
		o.AckTimeout = DefaultAckTimeout
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// Send issues a request frame and blocks for its reply, racing an ACK
// timeout and then an overall timeout. A missing ACK within
// opts.AckTimeout fails fast without waiting for the full opts.Timeout,
// since a daemon that never acks within the ack window is assumed
// unreachable.
func (c *Client) Send(ctx context.Context, typ string, target string, payload, bulk []byte, opts Options) (*wire.Frame, error) {
	opts = opts.withDefaults()

	id := atomic.AddUint64(&c.nextID, 1)
	req := &wire.Frame{ID: id, Type: typ, Target: target, Payload: payload, Bulk: bulk}

	p := newPending()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("reqrep: client connection closed")
	}
	c.waiting[id] = p
	c.mu.Unlock()

	if err := wire.WriteMultipart(c.conn, req.Encode()); err != nil {
		c.mu.Lock()
		delete(c.waiting, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("sending request: %w", err)
	}

	select {
	case <-p.acked:
	case <-time.After(opts.AckTimeout):
		c.mu.Lock()
		delete(c.waiting, id)
		c.mu.Unlock()
		observability.RecordClientTimeout("ack")
		return nil, &wire.TimeoutError{Operation: "ack", Timeout: opts.AckTimeout.Seconds()}
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.waiting, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}

	select {
	case rep := <-p.result:
		if rep == nil {
			return nil, fmt.Errorf("reqrep: connection closed while awaiting reply")
		}
		return rep, nil
	case <-time.After(opts.Timeout):
		c.mu.Lock()
		delete(c.waiting, id)
		c.mu.Unlock()
		observability.RecordClientTimeout("reply")
		return nil, &wire.TimeoutError{Operation: "reply", Timeout: opts.Timeout.Seconds()}
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.waiting, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Close closes the underlying connection. Pending Send calls unblock
// with an error.
func (c *Client) Close() error {
	return c.conn.Close()
}
