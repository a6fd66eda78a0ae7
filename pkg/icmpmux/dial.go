//go:build linux

package icmpmux

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"
)

// famResources bundles everything a Session needs for one address family:
// the socket, its registry-driven receive loop, and a channel that is
// closed once that loop has exited. Created lazily, on first probe against that
// family, and kept for the process's lifetime — spec.md §5 deliberately
// never tears these down early, since the teacher's Sender/Listener pairing
// (one socket per short-lived invocation) doesn't fit a long-lived shared
// multiplexer.
type famResources struct {
	sock *socketHandle
	done chan struct{} // closed when the receive loop has exited
}

// dialer lazily creates and caches one famResources per address family.
// sync.Once per family avoids a double-checked-lock dance while still
// letting concurrent first callers for *different* families proceed
// independently.
type dialer struct {
	mu   sync.Mutex
	once [2]sync.Once
	res  [2]*famResources
	err  [2]error
}

func newDialer() *dialer {
	return &dialer{}
}

// acquire returns the shared socket for family, opening and starting its
// receive loop on first use. ctx only bounds the open attempt itself, not
// the resulting socket's lifetime.
func (d *dialer) acquire(ctx context.Context, family Family, policy SelectionPolicy, cfg Config, reg *registry) (*famResources, error) {
	idx := familyIndex(family)
	d.once[idx].Do(func() {
		sock, err := openSocket(ctx, family, policy, cfg)
		if err != nil {
			d.err[idx] = err
			return
		}
		fr := &famResources{sock: sock, done: make(chan struct{})}
		if !sock.dgram {
			// Kernel-side identifier filtering is only meaningful on RAW
			// sockets, where we control the ICMP identifier we send; DGRAM
			// sockets have theirs overridden by the kernel (spec.md §4.3).
			// Attach now with whatever identifiers are already live, and
			// again whenever the allocated set changes.
			reg.onIDSetChanged(func(ids []uint16) {
				attachIdentifierFilter(sock.fd, family, ids, cfg.Logger)
			})
		}
		go runRecvLoop(fr, reg, cfg.Logger)
		d.mu.Lock()
		d.res[idx] = fr
		d.mu.Unlock()
	})
	if d.err[idx] != nil {
		return nil, d.err[idx]
	}
	d.mu.Lock()
	fr := d.res[idx]
	d.mu.Unlock()
	return fr, nil
}

func familyIndex(f Family) int {
	if f == FamilyIPv6 {
		return 1
	}
	return 0
}

// runRecvLoop is the single long-lived goroutine per family that reads
// inbound packets, decodes them, and hands matches to reg.dispatch. It
// never exits except on an unrecoverable socket error, mirroring the
// teacher's listener.go poll loop but generalized from "parse then build a
// reply" to "parse then dispatch to a waiter".
func runRecvLoop(fr *famResources, reg *registry, log *slog.Logger) {
	defer close(fr.done)

	sock := fr.sock
	buf := make([]byte, 65535)
	pfd := []unix.PollFd{{Fd: int32(sock.fd), Events: unix.POLLIN}}

	for {
		n, err := unix.Poll(pfd, 1000)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if log != nil {
				log.Error("recv loop: poll failed, exiting", "family", sock.family, "error", err)
			}
			return
		}
		if n == 0 || pfd[0].Revents&unix.POLLIN == 0 {
			continue
		}

		nr, _, err := unix.Recvfrom(sock.fd, buf, 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
				continue
			}
			if transientSocketErr(err) {
				if log != nil {
					log.Warn("recv loop: transient recv error", "family", sock.family, "error", err)
				}
				continue
			}
			if log != nil {
				log.Error("recv loop: fatal recv error, exiting", "family", sock.family, "error", err)
			}
			return
		}

		ev, derr := decodeEchoReply(sock.family, buf[:nr], !sock.dgram && sock.family == FamilyIPv4)
		if derr != nil {
			// Malformed or foreign traffic: protocol errors are dropped
			// silently per spec.md §7, never surfaced to a waiter.
			continue
		}
		reg.dispatch(sock.family, sock.dgram, ev)
	}
}
