package icmpmux

import "encoding/binary"

// internetChecksum computes the 16-bit one's-complement sum over b per
// RFC 1071. It is used for the IPv4 ICMP checksum; ICMPv6 relies on the
// kernel instead (see socket_linux.go).
func internetChecksum(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i:]))
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}
