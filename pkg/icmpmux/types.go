package icmpmux

// Family identifies the IP address family a probe travels over.
type Family int

const (
	FamilyIPv4 Family = iota
	FamilyIPv6
)

func (f Family) String() string {
	if f == FamilyIPv6 {
		return "ipv6"
	}
	return "ipv4"
}

// SelectionPolicy controls which socket type is opened for a family. The
// socket is shared process-wide, so the policy of the Session whose probe
// opens it applies to every Session probing that family.
type SelectionPolicy int

const (
	// PolicyRAW opens SOCK_RAW; it requires CAP_NET_RAW or root.
	PolicyRAW SelectionPolicy = iota
	// PolicyDGRAM opens SOCK_DGRAM; unprivileged on Linux when the
	// caller's GID is admitted by net.ipv4.ping_group_range.
	PolicyDGRAM
	// PolicyAUTO tries DGRAM first, falling back to RAW if the DGRAM
	// socket cannot be opened for any reason.
	PolicyAUTO
)

func (p SelectionPolicy) String() string {
	switch p {
	case PolicyDGRAM:
		return "dgram"
	case PolicyAUTO:
		return "auto"
	default:
		return "raw"
	}
}

const (
	// ProtocolICMP is the IP protocol number for ICMPv4.
	ProtocolICMP = 1
	// ProtocolICMPv6 is the IP protocol number for ICMPv6.
	ProtocolICMPv6 = 58

	icmpEchoRequestV4 = 8
	icmpEchoReplyV4   = 0
	icmpEchoRequestV6 = 128
	icmpEchoReplyV6   = 129

	// timestampLen is the number of leading payload bytes reserved for
	// the send timestamp (nanoseconds, network byte order).
	timestampLen = 8

	// idSpace is the size of the 16-bit ICMP identifier and sequence
	// spaces (65,536). Identifier 0 is reserved (never handed out) so a
	// zero-value waiter key is never mistaken for a live allocation, which
	// leaves idSpace-1 usable identifiers.
	idSpace = 1 << 16
)
