//go:build linux

package icmpmux

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestSession_Ping_Loopback_IPv4(t *testing.T) {
	requireRawSockets(t)

	sess, err := NewSession(Config{Policy: PolicyRAW, Timeout: time.Second})
	require.NoError(t, err)

	rtt, ok, err := sess.Ping(context.Background(), net.IPv4(127, 0, 0, 1))
	require.NoError(t, err)
	require.True(t, ok)
	require.Greater(t, rtt, time.Duration(0))
	require.Less(t, rtt, time.Second)
}

func TestSession_Ping_Timeout_TestNet(t *testing.T) {
	requireRawSockets(t)

	// 192.0.2.0/24 is reserved for documentation (RFC 5737) and must never
	// respond, making it a deterministic stand-in for an unresponsive host.
	sess, err := NewSession(Config{Policy: PolicyRAW, Timeout: 300 * time.Millisecond})
	require.NoError(t, err)

	start := time.Now()
	rtt, ok, err := sess.Ping(context.Background(), net.IPv4(192, 0, 2, 1))
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, rtt)
	require.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

func TestSession_Ping_RejectsInvalidAddress(t *testing.T) {
	sess, err := NewSession(Config{})
	require.NoError(t, err)

	_, _, err = sess.Ping(context.Background(), nil)
	require.ErrorIs(t, err, ErrInvalidAddress)
}

func TestSession_Ping_RespectsContextCancellation(t *testing.T) {
	requireRawSockets(t)

	sess, err := NewSession(Config{Policy: PolicyRAW, Timeout: 5 * time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok, err := sess.Ping(ctx, net.IPv4(192, 0, 2, 1))
	require.False(t, ok)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSession_IterRTT_SendsCountProbes(t *testing.T) {
	requireRawSockets(t)

	sess, err := NewSession(Config{Policy: PolicyRAW, Timeout: time.Second, Interval: 10 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var results []ProbeResult
	for r := range sess.IterRTT(ctx, net.IPv4(127, 0, 0, 1), 5) {
		results = append(results, r)
	}
	require.Len(t, results, 5)
	for i, r := range results {
		require.Equalf(t, i, r.Seq, "seq out of order at index %d", i)
		require.NoErrorf(t, r.Err, "index %d", i)
		require.Truef(t, r.OK, "index %d", i)
	}
}

// TestSession_IterRTT_PacingIsDriftFree uses a FakeClock to assert that
// IterRTT schedules probe k at start+k*Interval rather than accumulating
// drift from each probe's own RTT, the same cadence guarantee the
// teacher's Pinger.Run ticker loop provides.
func TestSession_IterRTT_PacingIsDriftFree(t *testing.T) {
	requireRawSockets(t)

	fc := clockwork.NewFakeClock()
	sess, err := NewSession(Config{
		Policy:   PolicyRAW,
		Timeout:  time.Second,
		Interval: time.Second,
		Clock:    fc,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resultCh := sess.IterRTT(ctx, net.IPv4(127, 0, 0, 1), 3)

	r0 := <-resultCh
	require.True(t, r0.OK)

	fc.BlockUntil(1)
	fc.Advance(time.Second)
	r1 := <-resultCh
	require.True(t, r1.OK)

	fc.BlockUntil(1)
	fc.Advance(time.Second)
	r2 := <-resultCh
	require.True(t, r2.OK)

	_, more := <-resultCh
	require.False(t, more, "channel must close after the requested count")
}
