// Package reqrep implements the request/response transport from spec
// §4.2: a ROUTER-equivalent daemon side (ack-then-dispatch, identity-
// routed responses) and a DEALER-equivalent client side (an async
// correlator keyed by request identifier, ACK/REP demultiplexing).
//
// No ZeroMQ binding is available anywhere in the reference corpus (see
// DESIGN.md); both sides reproduce ROUTER/DEALER socket semantics over
// plain TCP using the length-prefixed multipart encoding in the wire
// package. A ZeroMQ ROUTER socket multiplexes many DEALER peers behind
// one bound socket and tracks each by an opaque identity frame; here
// each client-daemon pair gets its own net.Conn instead, so "route back
// to the peer identity" reduces to "write back on this connection" —
// the observable protocol behavior (ACK before REP, async correlation
// by identifier, no ordering across requests) is unchanged.
package reqrep

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/KeckObservatory/mKTL/logging"
	"github.com/KeckObservatory/mKTL/observability"
	"github.com/KeckObservatory/mKTL/wire"
)

// Handler processes one decoded request frame and returns the REP
// payload and bulk frame, or an error. Daemon converts a returned error
// into a wire error payload per §7's propagation policy: "handler
// errors within a daemon are caught at the request dispatcher,
// converted to an error payload, and returned as a REP".
type Handler interface {
	Handle(ctx context.Context, req *wire.Frame) (payload []byte, bulk []byte, err error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *wire.Frame) ([]byte, []byte, error)

func (f HandlerFunc) Handle(ctx context.Context, req *wire.Frame) ([]byte, []byte, error) {
	return f(ctx, req)
}

// Daemon is the ROUTER-equivalent request listener bound by a daemon or
// registry broker.
type Daemon struct {
	handler Handler
	logger  logging.Logger

	// SkipAck, when true, suppresses the ACK frame. §4.2 requires
	// callers to only do this when REP is guaranteed within the
	// client's ack timeout; the safer default (false) always sends
	// ACK, per §9's open-question resolution.
	SkipAck bool

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
	closing  bool
}

// NewDaemon creates a request daemon dispatching decoded frames to handler.
func NewDaemon(handler Handler, logger logging.Logger) *Daemon {
	if logger == nil {
		logger = logging.Noop()
	}
	return &Daemon{handler: handler, logger: logger}
}

// Serve binds addr and serves connections until Close is called. It
// returns the bound address (useful when addr requests an ephemeral
// port, e.g. ":0", which discovery then advertises).
func (d *Daemon) Serve(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	d.listener = ln
	d.mu.Unlock()

	d.wg.Add(1)
	go d.acceptLoop(ln)

	return ln.Addr().String(), nil
}

func (d *Daemon) acceptLoop(ln net.Listener) {
	defer d.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			d.mu.Lock()
			closing := d.closing
			d.mu.Unlock()
			if closing {
				return
			}
			d.logger.Warn("accept_failed", "error", err.Error())
			return
		}
		d.wg.Add(1)
		go d.serveConn(conn)
	}
}

func (d *Daemon) serveConn(conn net.Conn) {
	defer d.wg.Done()
	defer conn.Close()

	var writeMu sync.Mutex // §5: each socket owned by one writer at a time
	for {
		parts, err := wire.ReadMultipart(conn)
		if err != nil {
			return // peer closed or connection error; nothing further to do
		}

		frame, err := wire.DecodeFrame(parts)
		if err != nil {
			d.logger.Warn("dropping_malformed_frame", "error", err.Error())
			continue // §4.1: malformed frames are dropped, not answered
		}

		if !d.SkipAck {
			writeMu.Lock()
			ackErr := wire.WriteMultipart(conn, frame.Ack().Encode())
			writeMu.Unlock()
			if ackErr != nil {
				return
			}
		}

		d.wg.Add(1)
		go d.dispatch(conn, &writeMu, frame)
	}
}

func (d *Daemon) dispatch(conn net.Conn, writeMu *sync.Mutex, frame *wire.Frame) {
	defer d.wg.Done()
	start := time.Now()

	payload, bulk, err := d.handler.Handle(context.Background(), frame)
	status := "ok"
	if err != nil {
		status = "error"
		we := wire.ToWireError(err)
		p := &wire.Payload{Error: we}
		payload, _ = wire.EncodePayload(p)
		bulk = nil
	}
	observability.RecordRequest(frame.Type, status, time.Since(start).Seconds())

	rep := frame.Reply(payload, bulk)
	writeMu.Lock()
	defer writeMu.Unlock()
	if err := wire.WriteMultipart(conn, rep.Encode()); err != nil {
		d.logger.Warn("reply_write_failed", "error", err.Error())
	}
}

// Close stops accepting new connections and waits for in-flight
// handlers to finish replying.
func (d *Daemon) Close() error {
	d.mu.Lock()
	d.closing = true
	ln := d.listener
	d.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	d.wg.Wait()
	return err
}
