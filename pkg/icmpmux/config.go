package icmpmux

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	minPayloadSize = 16
	maxPayloadSize = 65507
)

// Config holds the tunables a Session is built from. Sessions are immutable
// once constructed: Validate runs once, at NewSession, and is never
// re-applied mid-flight.
//
// TTL, ToS, SrcAddr and Policy configure the per-family socket. That socket
// is shared by every Session in the process and is opened by the first probe
// against its family, so it keeps the values of the Session that opened it;
// these fields of other Sessions have no effect on a family already opened.
type Config struct {
	// Size is the total ICMP payload length in bytes, including the
	// 8-byte embedded send timestamp. Must accommodate it.
	Size int
	// TTL (IPv4 TTL / IPv6 hop limit). 1..255.
	TTL int
	// ToS is the IPv4 DS field / IPv6 traffic class. 0..255; the low 2
	// bits are ECN per RFC 3168 and are passed through unmodified.
	ToS int
	// Timeout bounds a single probe's wait for a reply.
	Timeout time.Duration
	// Interval paces IterRTT; zero means back-to-back. Unused by Ping.
	Interval time.Duration
	// SrcAddr optionally binds the outbound socket to a specific source
	// address. Must match the family of any destination probed.
	SrcAddr net.IP
	// Policy selects RAW, DGRAM, or AUTO.
	Policy SelectionPolicy

	// Logger receives structured diagnostics; nil disables logging
	// entirely (every call site guards on it being non-nil).
	Logger *slog.Logger
	// Clock is the time source used for scheduling, the reply timeout, the
	// probe deadline and the send timestamp embedded in each probe; defaults
	// to clockwork.NewRealClock(). Tests inject a FakeClock to assert
	// interval cadence deterministically. The receive side computes RTT
	// against the wall clock (time.Since), so under a FakeClock the reported
	// RTT mixes fake and wall time.
	Clock clockwork.Clock

	// Metrics, if non-nil, receives counts of sent/timed-out probes and an
	// RTT histogram. Nil (the default) disables reporting entirely.
	Metrics *Metrics
}

// Validate checks and defaults a Config, per the validation table. It is
// called once, by NewSession; the returned Config is never mutated again.
func (c Config) Validate() (Config, error) {
	if c.Size == 0 {
		c.Size = 56 + timestampLen
	}
	if c.Size < minPayloadSize || c.Size > maxPayloadSize {
		return c, fmt.Errorf("icmpmux: size must be in [%d, %d], got %d", minPayloadSize, maxPayloadSize, c.Size)
	}
	if c.TTL == 0 {
		c.TTL = 64
	}
	if c.TTL < 1 || c.TTL > 255 {
		return c, fmt.Errorf("icmpmux: ttl must be in [1, 255], got %d", c.TTL)
	}
	if c.ToS < 0 || c.ToS > 255 {
		return c, fmt.Errorf("icmpmux: tos must be in [0, 255], got %d", c.ToS)
	}
	if c.Timeout == 0 {
		c.Timeout = 3 * time.Second
	}
	if c.Timeout <= 0 {
		return c, fmt.Errorf("icmpmux: timeout must be > 0, got %v", c.Timeout)
	}
	if c.Interval < 0 {
		return c, fmt.Errorf("icmpmux: interval must be >= 0, got %v", c.Interval)
	}
	if c.SrcAddr != nil && c.SrcAddr.To4() == nil && c.SrcAddr.To16() == nil {
		return c, fmt.Errorf("icmpmux: src_addr is not a valid IP: %v", c.SrcAddr)
	}
	if c.Policy < PolicyRAW || c.Policy > PolicyAUTO {
		return c, fmt.Errorf("icmpmux: unknown selection policy %d", c.Policy)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c, nil
}
