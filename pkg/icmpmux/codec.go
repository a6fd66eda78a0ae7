package icmpmux

import (
	"encoding/binary"
	"fmt"
)

// encodeEcho builds the wire bytes of an ICMP Echo Request: type(1) |
// code(0) | checksum(2) | id(2) | seq(2) | payload. For IPv4 the checksum
// is computed and stored; for IPv6 it is left zero, since RFC 4443 requires
// the kernel to compute it over a pseudo-header the caller cannot see (see
// socket_linux.go's IPV6_CHECKSUM handling).
func encodeEcho(family Family, id, seq uint16, payload []byte) []byte {
	pkt := make([]byte, 8+len(payload))
	if family == FamilyIPv6 {
		pkt[0] = icmpEchoRequestV6
	} else {
		pkt[0] = icmpEchoRequestV4
	}
	pkt[1] = 0
	binary.BigEndian.PutUint16(pkt[4:6], id)
	binary.BigEndian.PutUint16(pkt[6:8], seq)
	copy(pkt[8:], payload)
	if family == FamilyIPv4 {
		binary.BigEndian.PutUint16(pkt[2:4], internetChecksum(pkt))
	}
	return pkt
}

// encodeEchoTimestamped is encodeEcho with the first timestampLen bytes of
// payload overwritten by sendNanos, network byte order, per the wire
// contract that RTT survives solely via the echoed payload.
func encodeEchoTimestamped(family Family, id, seq uint16, payload []byte, sendNanos int64) []byte {
	pkt := encodeEcho(family, id, seq, payload)
	binary.BigEndian.PutUint64(pkt[8:8+timestampLen], uint64(sendNanos))
	if family == FamilyIPv4 {
		pkt[2], pkt[3] = 0, 0
		binary.BigEndian.PutUint16(pkt[2:4], internetChecksum(pkt))
	}
	return pkt
}

// decodedEcho is the result of successfully parsing an inbound ICMP packet
// as an Echo Reply matching the family it was read from.
type decodedEcho struct {
	ID        uint16
	Seq       uint16
	SendNanos int64
	Payload   []byte // payload bytes after the timestamp prefix
}

// decodeEchoReply parses raw bytes as read from the socket for the given
// family and socket type. For IPv4 RAW sockets the kernel delivers the full
// IPv4 header, which must be skipped using the IHL in the first byte; for
// IPv6 RAW and both families' DGRAM sockets, raw is the bare ICMP message.
// Returns an error for anything short, malformed, or not an Echo Reply —
// callers must treat that as "drop silently", never as a fatal condition.
func decodeEchoReply(family Family, raw []byte, hasIPv4Header bool) (decodedEcho, error) {
	icmp := raw
	if family == FamilyIPv4 && hasIPv4Header {
		if len(raw) < 20 || raw[0]>>4 != 4 {
			return decodedEcho{}, fmt.Errorf("icmpmux: short or non-IPv4 frame (%d bytes)", len(raw))
		}
		ihl := int(raw[0]&0x0F) * 4
		if ihl < 20 || len(raw) < ihl {
			return decodedEcho{}, fmt.Errorf("icmpmux: bad IHL %d", ihl)
		}
		icmp = raw[ihl:]
	}

	if len(icmp) < 8+timestampLen {
		return decodedEcho{}, fmt.Errorf("icmpmux: short ICMP message (%d bytes)", len(icmp))
	}

	wantType := byte(icmpEchoReplyV4)
	if family == FamilyIPv6 {
		wantType = icmpEchoReplyV6
	}
	if icmp[0] != wantType || icmp[1] != 0 {
		return decodedEcho{}, fmt.Errorf("icmpmux: not an echo reply (type=%d code=%d)", icmp[0], icmp[1])
	}

	// IPv4 checksum is verifiable end-to-end; IPv6's pseudo-header
	// checksum cannot be recomputed from the ICMP message alone, so it is
	// trusted to the kernel (which already validated and delivered it).
	if family == FamilyIPv4 && internetChecksum(icmp) != 0 {
		return decodedEcho{}, fmt.Errorf("icmpmux: bad ICMPv4 checksum")
	}

	id := binary.BigEndian.Uint16(icmp[4:6])
	seq := binary.BigEndian.Uint16(icmp[6:8])
	sendNanos := int64(binary.BigEndian.Uint64(icmp[8 : 8+timestampLen]))
	payload := icmp[8+timestampLen:]

	return decodedEcho{ID: id, Seq: seq, SendNanos: sendNanos, Payload: payload}, nil
}
