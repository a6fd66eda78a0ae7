package icmpmux

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"runtime"
)

// sharedRegistry and sharedDialer are process-wide singletons: spec.md §3
// draws identifiers "from a per-process registry" and describes the Socket
// Handle as "owned by the system for the lifetime of the process," and §2
// requires "a single receive task per family" demultiplexing for every
// in-flight probe regardless of which Session issued it. Every Session in
// the process shares these two, rather than each constructing its own —
// otherwise two Sessions could each hand out identifier 1 concurrently, and
// each would open and poll its own socket per family.
var (
	sharedRegistry = newRegistry()
	sharedDialer   = newDialer()
)

// Session is the entry point for issuing probes. Each Session claims one
// identifier from the process-wide registry at construction and holds it
// for its lifetime, releasing it back to the pool when the Session is
// garbage collected; probes against a Session draw distinct sequence
// numbers from that one identifier rather than a fresh identifier per
// probe. Sockets and receive loops are shared process-wide (see
// sharedRegistry/sharedDialer above) and are lazily created on the first
// probe against a given address family.
//
// A Session is safe for concurrent use by multiple goroutines.
type Session struct {
	cfg  Config
	id   uint16
	reg  *registry
	dial *dialer
}

// NewSession validates cfg and constructs a Session, claiming one
// identifier from the process-wide registry. No sockets are opened until
// the first probe against a given address family; NewSession itself never
// requires elevated privileges to succeed, so permission failures surface
// from Ping/IterRTT instead of here. Packages embedding icmpmux that want
// to fail fast on missing privileges should call RequirePrivileges
// explicitly before issuing any probes.
//
// icmpmux has no explicit Close: a Session's identifier is reclaimed by a
// finalizer once the Session is no longer reachable.
func NewSession(cfg Config) (*Session, error) {
	cfg, err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	id, err := sharedRegistry.acquireID(context.Background())
	if err != nil {
		return nil, fmt.Errorf("icmpmux: acquiring identifier: %w", err)
	}
	s := &Session{
		cfg:  cfg,
		id:   id,
		reg:  sharedRegistry,
		dial: sharedDialer,
	}
	runtime.SetFinalizer(s, func(s *Session) {
		sharedRegistry.releaseID(s.id)
	})
	return s, nil
}

func familyOf(dest net.IP) (Family, error) {
	if dest == nil {
		return 0, ErrInvalidAddress
	}
	if dest.To4() != nil {
		return FamilyIPv4, nil
	}
	if dest.To16() != nil {
		return FamilyIPv6, nil
	}
	return 0, ErrInvalidAddress
}

// randomPattern fills the portion of the ICMP payload that follows the
// embedded send timestamp with unpredictable bytes, so a reply can be
// positively matched to the probe that elicited it rather than merely to
// its (family, id, seq) — defeating stale or foreign replies that happen
// to share those coordinates (notably relevant on DGRAM sockets, where the
// kernel — not this code — assigns the ICMP identifier).
func randomPattern(n int) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("icmpmux: generating probe payload: %w", err)
	}
	return b, nil
}
