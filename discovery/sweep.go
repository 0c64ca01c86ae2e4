package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/KeckObservatory/mKTL/logging"
)

// DefaultSweepInterval is the registry's default daemon-sweep cadence.
const DefaultSweepInterval = 30 * time.Second

// Fetcher performs the HASH-then-CONFIG follow-up against a newly (or
// already) discovered daemon and feeds the result into the registry's
// config cache. It is supplied by the caller (the registry broker),
// keeping this package free of any dependency on reqrep/registry.
type Fetcher func(ctx context.Context, sourceAddr string, reqPort int) error

type knownDaemon struct {
	reqPort      int
	missedSweeps int
}

// Sweeper drives the registry's periodic daemon discovery loop: every
// interval it broadcasts a call on DaemonPort, feeds every response
// through fetch (retrying transient failures with backoff), and forgets
// any previously known daemon that fails to respond two sweeps running,
// per §4.4.
type Sweeper struct {
	interval      time.Duration
	broadcastAddr string
	fetch         Fetcher
	logger        logging.Logger

	mu      sync.Mutex
	known   map[string]*knownDaemon // key: sourceAddr
	stop    chan struct{}
	stopped sync.Once
}

// NewSweeper creates a sweeper. broadcastAddr is the local network
// broadcast address to target SearchDirect at (e.g. "192.168.1.255");
// an empty string falls back to the limited broadcast address.
func NewSweeper(interval time.Duration, broadcastAddr string, fetch Fetcher, logger logging.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = logging.Noop()
	}
	return &Sweeper{
		interval:      interval,
		broadcastAddr: broadcastAddr,
		fetch:         fetch,
		logger:        logger,
		known:         make(map[string]*knownDaemon),
		stop:          make(chan struct{}),
	}
}

// Run blocks, sweeping every interval until ctx is canceled or Close is
// called.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ticker.C:
			s.sweepOnce(ctx)
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	responses, err := SearchDirect(DaemonPort, s.broadcastAddr, DefaultCollectionWindow)
	if err != nil {
		s.logger.Warn("discovery_sweep_failed", "error", err.Error())
		return
	}

	s.mu.Lock()
	seen := make(map[string]struct{}, len(responses))
	s.mu.Unlock()

	for _, r := range responses {
		seen[r.SourceAddr] = struct{}{}
		s.observe(ctx, r.SourceAddr, r.ReqPort)
	}

	s.mu.Lock()
	for addr, d := range s.known {
		if _, ok := seen[addr]; ok {
			continue
		}
		d.missedSweeps++
		if d.missedSweeps >= 2 {
			delete(s.known, addr)
			s.logger.Info("daemon_forgotten", "addr", addr, "reqPort", d.reqPort)
		}
	}
	s.mu.Unlock()
}

func (s *Sweeper) observe(ctx context.Context, sourceAddr string, reqPort int) {
	s.mu.Lock()
	d, known := s.known[sourceAddr]
	if known {
		d.missedSweeps = 0
		d.reqPort = reqPort
	}
	s.mu.Unlock()

	// The HASH/CONFIG follow-up races a freshly-started daemon's
	// listen socket coming up; retry with backoff rather than dropping
	// the whole sweep, the same transient-retry shape the teacher
	// already pulls cenkalti/backoff/v4 in for around its OTLP export
	// client.
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	err := backoff.Retry(func() error {
		return s.fetch(ctx, sourceAddr, reqPort)
	}, b)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.logger.Warn("daemon_fetch_failed", "addr", sourceAddr, "reqPort", reqPort, "error", err.Error())
		return
	}
	if !known {
		s.known[sourceAddr] = &knownDaemon{reqPort: reqPort}
	}
}

// Close stops a running sweep loop.
func (s *Sweeper) Close() {
	s.stopped.Do(func() { close(s.stop) })
}
