// Package discovery implements the UDP call/response protocol from
// spec §4.4: fixed daemon/registry listener ports, a constant call
// string, a response carrying the responder's request port, per-source
// rate limiting, and the registry's periodic sweep of daemon listeners.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/KeckObservatory/mKTL/logging"
	"github.com/KeckObservatory/mKTL/observability"
)

// Fixed discovery ports and protocol strings, per §4.4.
const (
	DaemonPort   = 10111
	RegistryPort = 10103
	CallMessage  = "I heard it"

	// DefaultRateLimit is the minimum interval between responses sent
	// to any one source address.
	DefaultRateLimit = 100 * time.Millisecond

	// DefaultCollectionWindow is search_direct's default response
	// collection window.
	DefaultCollectionWindow = 500 * time.Millisecond
)

// ResponseMessage renders the response string "on the X:<port>" for a
// listener advertising reqPort as its request port.
func ResponseMessage(reqPort int) string {
	return fmt.Sprintf("on the X:%d", reqPort)
}

// ParseResponse extracts the advertised port from a response string,
// per §4.4's "on the X:<port>" form.
func ParseResponse(msg string) (int, bool) {
	idx := strings.LastIndex(msg, ":")
	if idx < 0 || !strings.HasPrefix(msg, "on the X:") {
		return 0, false
	}
	port, err := strconv.Atoi(msg[idx+1:])
	if err != nil {
		return 0, false
	}
	return port, true
}

// Listener answers "I heard it" datagrams on a fixed discovery port,
// advertising reqPort as its own request port. One Listener serves
// either a daemon (bound to DaemonPort) or a registry (bound to
// RegistryPort); role is carried only for metrics/log labeling.
type Listener struct {
	role    string
	reqPort int
	logger  logging.Logger
	limiter *RateLimiter

	conn *net.UDPConn
	done chan struct{}
}

// ListenDaemon binds DaemonPort and answers on behalf of a daemon
// advertising reqPort.
func ListenDaemon(reqPort int, logger logging.Logger) (*Listener, error) {
	return listen("daemon", DaemonPort, reqPort, logger)
}

// ListenRegistry binds RegistryPort and answers on behalf of a registry
// broker advertising reqPort.
func ListenRegistry(reqPort int, logger logging.Logger) (*Listener, error) {
	return listen("registry", RegistryPort, reqPort, logger)
}

// listenConfig sets SO_REUSEPORT on the discovery socket before bind,
// per §4.4's "multiple daemons on one host coexist via
// SO_REUSEPORT-equivalent semantics" — the kernel load-balances
// datagrams across every listener bound to the same port instead of
// refusing the second bind.
var listenConfig = net.ListenConfig{
	Control: func(network, address string, c syscall.RawConn) error {
		var sockErr error
		if err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		}); err != nil {
			return err
		}
		return sockErr
	},
}

func listen(role string, bindPort, reqPort int, logger logging.Logger) (*Listener, error) {
	if logger == nil {
		logger = logging.Noop()
	}
	pc, err := listenConfig.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", bindPort))
	if err != nil {
		return nil, fmt.Errorf("binding discovery port %d: %w", bindPort, err)
	}
	conn := pc.(*net.UDPConn)

	l := &Listener{
		role:    role,
		reqPort: reqPort,
		logger:  logger,
		limiter: NewRateLimiter(DefaultRateLimit),
		conn:    conn,
		done:    make(chan struct{}),
	}
	go l.serve()
	return l, nil
}

func (l *Listener) serve() {
	buf := make([]byte, 512)
	for {
		n, src, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.done:
				return
			default:
				l.logger.Warn("discovery_read_failed", "role", l.role, "error", err.Error())
				return
			}
		}

		msg := string(buf[:n])
		if msg != CallMessage {
			continue
		}
		if !l.limiter.Allow(src.IP.String(), time.Now()) {
			observability.RecordDiscoveryRateLimited(l.role)
			continue
		}

		resp := []byte(ResponseMessage(l.reqPort))
		if _, err := l.conn.WriteToUDP(resp, src); err != nil {
			l.logger.Warn("discovery_response_failed", "role", l.role, "error", err.Error())
			continue
		}
		observability.RecordDiscoveryResponse(l.role)
	}
}

// Close stops the listener.
func (l *Listener) Close() error {
	close(l.done)
	return l.conn.Close()
}

// Response is one call/response exchange collected by SearchDirect.
type Response struct {
	SourceAddr string
	ReqPort    int
}

// SearchDirect broadcasts "I heard it" to the local network on port and
// collects (sourceAddr, advertisedPort) pairs for window, per §4.4's
// search_direct(port).
func SearchDirect(port int, broadcastAddr string, window time.Duration) ([]Response, error) {
	if window <= 0 {
		window = DefaultCollectionWindow
	}
	if broadcastAddr == "" {
		broadcastAddr = "255.255.255.255"
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("opening discovery socket: %w", err)
	}
	defer conn.Close()

	dst := &net.UDPAddr{IP: net.ParseIP(broadcastAddr), Port: port}
	if _, err := conn.WriteToUDP([]byte(CallMessage), dst); err != nil {
		return nil, fmt.Errorf("sending call: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(window)); err != nil {
		return nil, fmt.Errorf("setting read deadline: %w", err)
	}

	var responses []Response
	buf := make([]byte, 512)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			break // deadline elapsed; window is over
		}
		reqPort, ok := ParseResponse(string(buf[:n]))
		if !ok {
			continue
		}
		responses = append(responses, Response{SourceAddr: src.IP.String(), ReqPort: reqPort})
	}
	return responses, nil
}
