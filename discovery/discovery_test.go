package discovery

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseMessage_RoundTrip(t *testing.T) {
	msg := ResponseMessage(10200)
	port, ok := ParseResponse(msg)
	require.True(t, ok)
	assert.Equal(t, 10200, port)
}

func TestParseResponse_Malformed(t *testing.T) {
	_, ok := ParseResponse("not a response")
	assert.False(t, ok)
}

func TestRateLimiter_BlocksWithinWindow(t *testing.T) {
	r := NewRateLimiter(100 * time.Millisecond)
	now := time.Now()
	assert.True(t, r.Allow("10.0.0.1", now))
	assert.False(t, r.Allow("10.0.0.1", now.Add(10*time.Millisecond)))
	assert.True(t, r.Allow("10.0.0.1", now.Add(150*time.Millisecond)))
}

func TestRateLimiter_IndependentPerSource(t *testing.T) {
	r := NewRateLimiter(100 * time.Millisecond)
	now := time.Now()
	assert.True(t, r.Allow("10.0.0.1", now))
	assert.True(t, r.Allow("10.0.0.2", now))
}

// A listener bound to an ephemeral port answers "I heard it" with its
// advertised request port, and SearchDirect collects the response.
func TestListenerAndSearchDirect_CallResponse(t *testing.T) {
	l, err := listen("test", 0, 10200, nil)
	require.NoError(t, err)
	defer l.Close()

	addr := l.conn.LocalAddr().(*net.UDPAddr)
	responses, err := SearchDirect(addr.Port, "127.0.0.1", 200*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, 10200, responses[0].ReqPort)
}

func TestListener_RateLimitsRepeatedCalls(t *testing.T) {
	l, err := listen("test", 0, 10200, nil)
	require.NoError(t, err)
	l.limiter = NewRateLimiter(time.Hour) // force every repeat within the test to be limited
	defer l.Close()

	addr := l.conn.LocalAddr().(*net.UDPAddr)

	first, err := SearchDirect(addr.Port, "127.0.0.1", 150*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := SearchDirect(addr.Port, "127.0.0.1", 150*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, second, 0)
}

func TestSweeper_ForgetsDaemonAfterTwoMissedSweeps(t *testing.T) {
	l, err := listen("test", 0, 10200, nil)
	require.NoError(t, err)
	addr := l.conn.LocalAddr().(*net.UDPAddr)

	var fetches int32
	fetch := func(ctx context.Context, sourceAddr string, reqPort int) error {
		atomic.AddInt32(&fetches, 1)
		return nil
	}

	s := NewSweeper(10*time.Millisecond, "127.0.0.1", fetch, nil)

	// Drive sweeps manually against the ephemeral listener port rather
	// than the fixed DaemonPort constant, then close the listener and
	// confirm it's forgotten after two more sweeps.
	sweepAt := func() {
		responses, err := SearchDirect(addr.Port, "127.0.0.1", 100*time.Millisecond)
		require.NoError(t, err)
		seen := map[string]struct{}{}
		for _, r := range responses {
			seen[r.SourceAddr] = struct{}{}
			s.observe(context.Background(), r.SourceAddr, r.ReqPort)
		}
		s.mu.Lock()
		for a, d := range s.known {
			if _, ok := seen[a]; ok {
				continue
			}
			d.missedSweeps++
			if d.missedSweeps >= 2 {
				delete(s.known, a)
			}
		}
		s.mu.Unlock()
	}

	sweepAt()
	require.Equal(t, int32(1), atomic.LoadInt32(&fetches))
	s.mu.Lock()
	require.Len(t, s.known, 1)
	s.mu.Unlock()

	l.Close()
	sweepAt() // miss 1
	s.mu.Lock()
	require.Len(t, s.known, 1)
	s.mu.Unlock()

	sweepAt() // miss 2 -> forgotten
	s.mu.Lock()
	assert.Len(t, s.known, 0)
	s.mu.Unlock()
}

// Two daemons on one host must both be able to bind DaemonPort, per
// §4.4's "multiple daemons on one host coexist via SO_REUSEPORT" and
// §8's literal boundary case; this exercises the fixed port rather
// than an ephemeral one like every other test in this file.
func TestListenDaemon_TwoListenersShareFixedPort(t *testing.T) {
	l1, err := ListenDaemon(DaemonPort, nil)
	require.NoError(t, err)
	defer l1.Close()

	l2, err := ListenDaemon(DaemonPort, nil)
	require.NoError(t, err)
	defer l2.Close()
}
