//go:build linux

package icmpmux

import (
	"fmt"
	"log/slog"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// attachIdentifierFilter installs a classic BPF program on a RAW ICMP
// socket that accepts only Echo Reply packets whose identifier is in ids.
// This is strictly an optimization: it moves the reject-foreign-traffic
// decision from userspace (decodeEchoReply + registry.dispatch) into the
// kernel, cutting wakeups on a RAW socket shared by many concurrent
// probes. Failure to attach is never fatal — the userspace filtering path
// is still correct and sufficient — so errors are logged and swallowed.
//
// DGRAM sockets are never filtered: the kernel already scopes delivery to
// the socket that sent the request, and BPF offsets for DGRAM ICMP differ
// (no synthesized IP header), which isn't worth the complexity for a
// best-effort optimization.
// maxBPFFilterIDs bounds how many identifiers assembleIdentifierFilter will
// encode into jump offsets. Jump offsets are uint8: the type check skips
// len(ids)*2 instructions on mismatch and each identifier's match skips
// remaining*2+1; at 128 entries the first of these wraps to 0 and corrupts
// the program, so assembleIdentifierFilter refuses rather than emit a
// broken filter.
const maxBPFFilterIDs = 127

func attachIdentifierFilter(fd int, family Family, ids []uint16, log *slog.Logger) {
	if len(ids) == 0 {
		return
	}

	prog, err := assembleIdentifierFilter(family, ids)
	if err != nil {
		if log != nil {
			log.Warn("bpf: assemble failed, continuing without kernel filter", "error", err)
		}
		return
	}

	raw, err := bpf.Assemble(prog)
	if err != nil {
		if log != nil {
			log.Warn("bpf: vm rejected program, continuing without kernel filter", "error", err)
		}
		return
	}

	sockFilter := make([]unix.SockFilter, len(raw))
	for i, ins := range raw {
		sockFilter[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	fprog := &unix.SockFprog{
		Len:    uint16(len(sockFilter)),
		Filter: &sockFilter[0],
	}

	if err := unix.SetsockoptSockFprog(fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, fprog); err != nil {
		if log != nil {
			log.Warn("bpf: SO_ATTACH_FILTER failed, continuing without kernel filter", "error", err)
		}
	}
}

// assembleIdentifierFilter builds a program that loads the ICMP identifier
// field from the expected offset for family and jumps to accept if it
// matches any entry of ids, reject otherwise. IPv4 RAW sockets deliver the
// IP header, so the identifier sits past a variable-length IHL; IPv6 RAW
// sockets deliver the bare ICMPv6 message starting at offset 0.
func assembleIdentifierFilter(family Family, ids []uint16) ([]bpf.Instruction, error) {
	if len(ids) > maxBPFFilterIDs {
		return nil, fmt.Errorf("icmpmux: %d identifiers exceeds bpf filter limit of %d", len(ids), maxBPFFilterIDs)
	}

	var typeOff, idOff uint32
	var wantType uint32
	if family == FamilyIPv4 {
		// LoadMemShift loads the IHL nibble of the first header byte,
		// scaled by 4, into X; the ICMP fields are then reached with
		// indirect loads relative to X.
		typeOff = 0
		idOff = 4
		wantType = icmpEchoReplyV4
	} else {
		typeOff = 0
		idOff = 4
		wantType = icmpEchoReplyV6
	}

	var insns []bpf.Instruction

	if family == FamilyIPv4 {
		insns = append(insns,
			bpf.LoadMemShift{Off: 0}, // X = (IHL nibble) * 4, using byte 0
		)
	}

	insns = append(insns,
		loadICMPByte(family, typeOff),
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: wantType, SkipFalse: uint8(len(ids) * 2)},
	)

	for i, id := range ids {
		remaining := len(ids) - i - 1
		insns = append(insns,
			loadICMPHalfword(family, idOff),
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(id), SkipTrue: uint8(remaining*2 + 1)},
		)
	}
	insns = append(insns, bpf.RetConstant{Val: 0})
	insns = append(insns, bpf.RetConstant{Val: 0x40000})

	return insns, nil
}

func loadICMPByte(family Family, off uint32) bpf.Instruction {
	if family == FamilyIPv4 {
		return bpf.LoadIndirect{Off: off, Size: 1}
	}
	return bpf.LoadAbsolute{Off: off, Size: 1}
}

func loadICMPHalfword(family Family, off uint32) bpf.Instruction {
	if family == FamilyIPv4 {
		return bpf.LoadIndirect{Off: off, Size: 2}
	}
	return bpf.LoadAbsolute{Off: off, Size: 2}
}
