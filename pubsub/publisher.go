// Package pubsub implements the publish/subscribe transport from spec
// §4.3: per-daemon broadcast fan-out, reference-counted topic
// subscriptions, and lossy per-connection backpressure.
//
// Both sides run over plain TCP rather than a ZeroMQ PUB/SUB socket. A
// real ZeroMQ PUB socket lets SUB peers push subscription filters
// upstream so the publisher only serializes matching messages; here the
// daemon instead streams every broadcast to every connected subscriber
// and each Subscriber filters locally by topic prefix. The wire-level
// cost (subscribers see traffic for topics they didn't ask for) is
// acceptable at mKTL's scale and keeps the daemon side a direct
// broadcast fan-out, one dispatch loop pushing to every subscriber's
// outbox.
package pubsub

import (
	"net"
	"sync"

	"github.com/KeckObservatory/mKTL/logging"
	"github.com/KeckObservatory/mKTL/observability"
	"github.com/KeckObservatory/mKTL/wire"
)

// outboxSize bounds the per-connection broadcast queue. A subscriber
// slower than this is, by design, allowed to lose messages rather than
// stall the daemon — §4.3's "lossy under slow-consumer conditions".
const outboxSize = 256

type subscriberConn struct {
	conn   net.Conn
	outbox chan *wire.PublishFrame
	done   chan struct{}
}

// Publisher is the PUB-equivalent broadcast side bound by a daemon. It
// accepts subscriber connections and fans out every Publish call to all
// of them.
type Publisher struct {
	store  string
	logger logging.Logger

	mu          sync.Mutex
	listener    net.Listener
	subscribers map[*subscriberConn]struct{}
	wg          sync.WaitGroup
	closing     bool
}

// NewPublisher creates a publisher for the named store.
func NewPublisher(store string, logger logging.Logger) *Publisher {
	if logger == nil {
		logger = logging.Noop()
	}
	return &Publisher{
		store:       store,
		logger:      logger,
		subscribers: make(map[*subscriberConn]struct{}),
	}
}

// Serve binds addr and accepts subscriber connections until Close.
func (p *Publisher) Serve(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	p.listener = ln
	p.mu.Unlock()

	p.wg.Add(1)
	go p.acceptLoop(ln)

	return ln.Addr().String(), nil
}

func (p *Publisher) acceptLoop(ln net.Listener) {
	defer p.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			p.mu.Lock()
			closing := p.closing
			p.mu.Unlock()
			if closing {
				return
			}
			p.logger.Warn("accept_failed", "error", err.Error())
			return
		}

		sc := &subscriberConn{conn: conn, outbox: make(chan *wire.PublishFrame, outboxSize), done: make(chan struct{})}
		p.mu.Lock()
		p.subscribers[sc] = struct{}{}
		p.mu.Unlock()

		p.wg.Add(1)
		go p.writeLoop(sc)
	}
}

func (p *Publisher) writeLoop(sc *subscriberConn) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		delete(p.subscribers, sc)
		p.mu.Unlock()
		sc.conn.Close()
	}()

	for {
		select {
		case frame := <-sc.outbox:
			if err := wire.WriteMultipart(sc.conn, frame.Encode()); err != nil {
				return
			}
		case <-sc.done:
			return
		}
	}
}

// Publish broadcasts a value transition to every connected subscriber.
// Per-connection delivery is non-blocking: a subscriber whose outbox is
// full drops the broadcast rather than stalling every other subscriber
// or the item's request queue.
func (p *Publisher) Publish(frame *wire.PublishFrame) {
	p.mu.Lock()
	targets := make([]*subscriberConn, 0, len(p.subscribers))
	for sc := range p.subscribers {
		targets = append(targets, sc)
	}
	p.mu.Unlock()

	for _, sc := range targets {
		select {
		case sc.outbox <- frame:
		default:
			p.logger.Warn("subscriber_outbox_full_dropping_broadcast", "topic", frame.Topic)
		}
	}
	observability.RecordPublish(p.store)
}

// Close stops accepting connections and closes all subscriber outboxes.
func (p *Publisher) Close() error {
	p.mu.Lock()
	p.closing = true
	ln := p.listener
	subs := make([]*subscriberConn, 0, len(p.subscribers))
	for sc := range p.subscribers {
		subs = append(subs, sc)
	}
	p.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, sc := range subs {
		close(sc.done)
	}
	p.wg.Wait()
	return err
}
