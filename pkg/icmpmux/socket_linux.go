//go:build linux

package icmpmux

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sys/unix"
)

// socketHandle owns one RAW or DGRAM ICMP socket for a single address
// family, for the life of the process. Its send side is shared under mu —
// serializing writes the way the teacher's sender.go guards its single fd —
// and its receive side is read exclusively by runRecvLoop.
type socketHandle struct {
	family Family
	fd     int
	dgram  bool

	mu sync.Mutex
}

// openSocket creates and configures a socket for family according to
// policy and cfg. AUTO attempts DGRAM first and falls back to RAW when the
// DGRAM socket cannot be opened, whatever the error, per spec.md §4.2.
func openSocket(ctx context.Context, family Family, policy SelectionPolicy, cfg Config) (*socketHandle, error) {
	tryDgram := policy == PolicyDGRAM || policy == PolicyAUTO
	tryRaw := policy == PolicyRAW || policy == PolicyAUTO

	var lastErr error
	if tryDgram {
		// A transient failure opening the DGRAM socket (e.g. ENOBUFS under
		// memory pressure) is worth a few bounded retries before falling
		// back to RAW or giving up; a permission failure never is.
		h, err := backoff.Retry(ctx, func() (*socketHandle, error) {
			h, err := newSocketHandle(family, true, cfg)
			if err != nil && !transientSocketErr(err) {
				return nil, backoff.Permanent(err)
			}
			return h, err
		}, backoff.WithMaxTries(3))
		if err == nil {
			return h, nil
		}
		lastErr = err
		if policy == PolicyDGRAM {
			if isPermissionErr(err) {
				return nil, fmt.Errorf("%w: %v", ErrPermission, err)
			}
			return nil, wrapf("open dgram socket", err)
		}
	}
	if tryRaw {
		h, err := newSocketHandle(family, false, cfg)
		if err == nil {
			return h, nil
		}
		lastErr = err
		if isPermissionErr(err) {
			return nil, fmt.Errorf("%w: %v", ErrPermission, err)
		}
	}
	return nil, wrapf("open socket", lastErr)
}

func newSocketHandle(family Family, dgram bool, cfg Config) (*socketHandle, error) {
	domain := unix.AF_INET
	proto := ProtocolICMP
	if family == FamilyIPv6 {
		domain = unix.AF_INET6
		proto = ProtocolICMPv6
	}
	sockType := unix.SOCK_RAW
	if dgram {
		sockType = unix.SOCK_DGRAM
	}

	fd, err := unix.Socket(domain, sockType|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, proto)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			_ = unix.Close(fd)
		}
	}()

	if err := configureSocket(fd, family, dgram, cfg); err != nil {
		return nil, err
	}

	ok = true
	return &socketHandle{family: family, fd: fd, dgram: dgram}, nil
}

// configureSocket applies the TTL/hop-limit, DSCP/ToS, optional source
// bind, and (IPv6 RAW only) kernel checksum offset, per the setting matrix
// in spec.md §4.2. All must succeed or the socket is discarded — the
// teacher only ever sets IP_TTL unconditionally; icmpmux generalizes to the
// full matrix and fixes the historical bug where ttl/tos were silently
// ignored on IPv6.
func configureSocket(fd int, family Family, dgram bool, cfg Config) error {
	if family == FamilyIPv4 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TTL, cfg.TTL); err != nil {
			return fmt.Errorf("IP_TTL: %w", err)
		}
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, cfg.ToS); err != nil {
			return fmt.Errorf("IP_TOS: %w", err)
		}
	} else {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_UNICAST_HOPS, cfg.TTL); err != nil {
			return fmt.Errorf("IPV6_UNICAST_HOPS: %w", err)
		}
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, cfg.ToS); err != nil {
			return fmt.Errorf("IPV6_TCLASS: %w", err)
		}
		if !dgram {
			// RFC 4443: the kernel must compute the ICMPv6 checksum; tell
			// it where the checksum field lives in our payload.
			if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_CHECKSUM, 2); err != nil {
				return fmt.Errorf("IPV6_CHECKSUM: %w", err)
			}
		}
	}

	if cfg.SrcAddr != nil {
		if err := bindSource(fd, family, cfg.SrcAddr); err != nil {
			return fmt.Errorf("bind source: %w", err)
		}
	}

	return nil
}

func bindSource(fd int, family Family, src net.IP) error {
	if family == FamilyIPv4 {
		ip4 := src.To4()
		if ip4 == nil {
			return fmt.Errorf("source address is not IPv4: %v", src)
		}
		sa := &unix.SockaddrInet4{}
		copy(sa.Addr[:], ip4)
		return unix.Bind(fd, sa)
	}
	ip6 := src.To16()
	if ip6 == nil || src.To4() != nil {
		return fmt.Errorf("source address is not IPv6: %v", src)
	}
	sa := &unix.SockaddrInet6{}
	copy(sa.Addr[:], ip6)
	return unix.Bind(fd, sa)
}

// sendEcho transmits pkt to dest with a single non-blocking syscall. Callers
// issuing a real probe should use sendEchoUntil instead, which retries
// EAGAIN/EWOULDBLOCK as spec.md §7's send-backpressure handling requires.
func (s *socketHandle) sendEcho(dest net.IP, pkt []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendEchoLocked(dest, pkt)
}

func (s *socketHandle) sendEchoLocked(dest net.IP, pkt []byte) error {
	if s.family == FamilyIPv4 {
		ip4 := dest.To4()
		if ip4 == nil {
			return ErrInvalidAddress
		}
		sa := &unix.SockaddrInet4{}
		copy(sa.Addr[:], ip4)
		return unix.Sendto(s.fd, pkt, 0, sa)
	}
	ip6 := dest.To16()
	if ip6 == nil || dest.To4() != nil {
		return ErrInvalidAddress
	}
	sa := &unix.SockaddrInet6{}
	copy(sa.Addr[:], ip6)
	return unix.Sendto(s.fd, pkt, 0, sa)
}

// sendEchoUntil transmits pkt to dest, retrying EAGAIN/EWOULDBLOCK by
// polling for writability until deadline. Per spec.md §7, persistent
// backpressure past the probe's own deadline degrades to a timeout rather
// than a returned error — callers should treat a deadline-exceeded return
// from this function the same way they treat a reply timeout.
func (s *socketHandle) sendEchoUntil(dest net.IP, pkt []byte, deadline time.Time) error {
	for {
		s.mu.Lock()
		err := s.sendEchoLocked(dest, pkt)
		s.mu.Unlock()
		if err == nil || !transientSendRetryable(err) {
			return err
		}

		remain := time.Until(deadline)
		if remain <= 0 {
			return err
		}
		pfd := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLOUT}}
		waitMs := int(remain / time.Millisecond)
		if waitMs <= 0 {
			waitMs = 1
		}
		if _, perr := unix.Poll(pfd, waitMs); perr != nil && perr != unix.EINTR {
			return err
		}
	}
}

func (s *socketHandle) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return unix.Close(s.fd)
}
