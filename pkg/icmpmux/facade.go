package icmpmux

import (
	"context"
	"errors"
	"net"
	"time"
)

// ProbeResult is one measurement from IterRTT: either RTT is set and OK is
// true, or OK is false (timeout or unreachable — never an error on its
// own) or Err is set (a hard failure: permission, invalid address, or a
// non-retryable send error).
type ProbeResult struct {
	Seq int
	RTT time.Duration
	OK  bool
	Err error
}

// Ping issues a single Echo Request to dest and waits up to the Session's
// configured Timeout for a matching reply. A timeout or an ICMP
// Destination-Unreachable response both return (0, false, nil) — neither
// is treated as an error, per spec.md §7's error taxonomy. Only socket-open
// failures (including ErrPermission), invalid addresses, non-retryable send
// errors, and ctx cancellation (ctx.Err()) return a non-nil error.
func (s *Session) Ping(ctx context.Context, dest net.IP) (time.Duration, bool, error) {
	family, err := familyOf(dest)
	if err != nil {
		return 0, false, err
	}

	fr, err := s.dial.acquire(ctx, family, s.cfg.Policy, s.cfg, s.reg)
	if err != nil {
		return 0, false, err
	}

	// Probes on this Session all share the one identifier claimed at
	// construction (session.go); only the sequence number varies per
	// probe. DGRAM sockets have their sequence drawn from a family-scoped
	// space instead of an id-scoped one, since the kernel overrides the
	// identifier we send on a DGRAM socket (spec.md §4.3).
	id := s.id
	var seq uint16
	if fr.sock.dgram {
		seq, err = s.reg.allocateDgramSeq(ctx, family)
	} else {
		seq, err = s.reg.allocateSeq(ctx, id)
	}
	if err != nil {
		return 0, false, err
	}

	patternLen := s.cfg.Size - timestampLen
	pattern, err := randomPattern(patternLen)
	if err != nil {
		if fr.sock.dgram {
			s.reg.releaseDgramSeq(family, seq)
		} else {
			s.reg.releaseSeq(id, seq)
		}
		return 0, false, err
	}

	deadline := s.cfg.Clock.Now().Add(s.cfg.Timeout)
	w := s.reg.register(family, id, seq, dest, deadline, pattern, fr.sock.dgram)

	sendNanos := s.cfg.Clock.Now().UnixNano()
	payload := make([]byte, timestampLen+len(pattern))
	copy(payload[timestampLen:], pattern)
	pkt := encodeEchoTimestamped(family, id, seq, payload, sendNanos)

	if err := fr.sock.sendEchoUntil(dest, pkt, deadline); err != nil {
		s.reg.remove(w)
		if unreachableErr(err) {
			return 0, false, nil
		}
		if isPermissionErr(err) {
			return 0, false, errors.Join(ErrPermission, err)
		}
		if transientSendRetryable(err) {
			// Backpressure persisted past the probe's own deadline: degrade
			// to a timeout rather than an error, per spec.md §7.
			s.cfg.Metrics.observeTimeout(family)
			return 0, false, nil
		}
		return 0, false, wrapf("send echo", err)
	}

	if s.cfg.Logger != nil {
		s.cfg.Logger.Debug("icmpmux: probe sent", "family", family, "id", id, "seq", seq, "dest", dest)
	}
	s.cfg.Metrics.observeSent(family)

	select {
	case outcome := <-w.resultCh:
		if outcome.err != nil {
			return 0, false, outcome.err
		}
		s.cfg.Metrics.observeRTT(family, outcome.rtt.Seconds())
		return outcome.rtt, true, nil
	case <-s.cfg.Clock.After(s.cfg.Timeout):
		s.reg.remove(w)
		s.cfg.Metrics.observeTimeout(family)
		return 0, false, nil
	case <-ctx.Done():
		s.reg.remove(w)
		return 0, false, ctx.Err()
	}
}

// IterRTT issues count probes to dest, one per Interval, and streams a
// ProbeResult for each on the returned channel in order. count == 0 means
// unbounded: the channel is only closed by ctx cancellation. A negative
// count closes the channel immediately without sending anything. The
// channel is closed after the last result, or early if ctx is cancelled.
// Pacing is start + k*Interval — the same drift-free ticker discipline the
// teacher's Pinger.Run uses — rather than sleeping Interval between sends,
// so a slow probe never pushes out the schedule for the ones after it.
func (s *Session) IterRTT(ctx context.Context, dest net.IP, count int) <-chan ProbeResult {
	out := make(chan ProbeResult, 1)

	go func() {
		defer close(out)

		if count < 0 {
			return
		}
		unbounded := count == 0

		clock := s.cfg.Clock
		interval := s.cfg.Interval
		if interval <= 0 {
			for i := 0; unbounded || i < count; i++ {
				if ctx.Err() != nil {
					return
				}
				if !s.sendOne(ctx, dest, i, out) {
					return
				}
			}
			return
		}

		ticker := clock.NewTicker(interval)
		defer ticker.Stop()

		for i := 0; unbounded || i < count; i++ {
			if i > 0 {
				select {
				case <-ticker.Chan():
				case <-ctx.Done():
					return
				}
			}
			if !s.sendOne(ctx, dest, i, out) {
				return
			}
		}
	}()

	return out
}

// sendOne runs one probe of an IterRTT sequence and emits its result.
// Returns false if ctx was cancelled and the caller should stop issuing
// further probes.
func (s *Session) sendOne(ctx context.Context, dest net.IP, seq int, out chan<- ProbeResult) bool {
	rtt, ok, err := s.Ping(ctx, dest)
	if ctx.Err() != nil && err != nil {
		return false
	}
	select {
	case out <- ProbeResult{Seq: seq, RTT: rtt, OK: ok, Err: err}:
	case <-ctx.Done():
		return false
	}
	return true
}
