// Package icmpmux is a shared-socket ICMP echo probe multiplexer for IPv4
// and IPv6.
//
// A single process opens at most one RAW or DGRAM socket per address
// family and multiplexes an arbitrary number of concurrent probes onto it:
// a Session reserves an identifier/sequence pair, registers a waiter,
// sends an Echo Request, and a single per-family receive goroutine
// dispatches arriving Echo Replies back to the waiter that issued them.
//
// ICMP Packet Structure (RFC 792 / RFC 4443):
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|     Type      |     Code      |          Checksum             |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|           Identifier          |        Sequence Number        |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                             Payload                          |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//
// Type 8 = Echo Request, Type 0 = Echo Reply (IPv4).
// Type 128 = Echo Request, Type 129 = Echo Reply (IPv6).
package icmpmux
