package icmpmux

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Sentinel errors returned by Session construction and probe issuance.
// Per the error taxonomy, timeouts are never represented as an error value
// (Ping/IterRTT report them as an absent RTT instead); these cover the
// remaining surfaced-immediately and surfaced-terminally cases.
var (
	// ErrPermission is returned when a RAW or DGRAM socket could not be
	// opened due to insufficient privilege. Fatal for the Session.
	ErrPermission = errors.New("icmpmux: permission denied opening ICMP socket")

	// ErrInvalidAddress is returned when a destination cannot be parsed
	// or its family is unsupported. The probe is never issued.
	ErrInvalidAddress = errors.New("icmpmux: invalid or unsupported destination address")

	// ErrClosed names the error for an operation on a torn-down socket.
	// The package never tears down its shared sockets (they live for the
	// process lifetime), and no function in it returns ErrClosed.
	ErrClosed = errors.New("icmpmux: socket closed")
)

// isPermissionErr reports whether err indicates the kernel refused to
// create or bind the requested socket due to privilege.
func isPermissionErr(err error) bool {
	return errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES)
}

// transientSocketErr classifies socket errors that are often recoverable
// by reopening the socket (device flapped, address not yet assigned, …).
func transientSocketErr(err error) bool {
	return errors.Is(err, unix.EBADF) || errors.Is(err, unix.ENETDOWN) || errors.Is(err, unix.ENODEV) ||
		errors.Is(err, unix.EADDRNOTAVAIL) || errors.Is(err, unix.ENOBUFS) || errors.Is(err, unix.ENETRESET) ||
		errors.Is(err, unix.ENOMEM)
}

// transientSendRetryable classifies send errors implying no datagram could
// have been queued, so a blind retry after reopening is safe.
func transientSendRetryable(err error) bool {
	return errors.Is(err, unix.EBADF) || errors.Is(err, unix.ENODEV) || errors.Is(err, unix.ENETDOWN) ||
		errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// unreachableErr classifies kernel errors meaning the destination could not
// be reached; these degrade to an absent RTT rather than a returned error.
func unreachableErr(err error) bool {
	return errors.Is(err, unix.EHOSTUNREACH) || errors.Is(err, unix.ENETUNREACH) || errors.Is(err, unix.ENOBUFS)
}

func wrapf(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("icmpmux: %s: %w", op, err)
}
