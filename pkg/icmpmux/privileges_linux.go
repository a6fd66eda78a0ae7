//go:build linux

package icmpmux

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

const capNetRaw = 13

// RequirePrivileges checks whether the calling process can be expected to
// open the sockets policy requires, and returns a descriptive error if
// not. It is a preflight convenience for callers that want to fail fast
// with an actionable message rather than wait for NewSession/Ping to
// surface ErrPermission from the kernel; it is never called automatically.
//
// PolicyDGRAM needs no special privilege beyond membership of a group in
// the kernel's net.ipv4.ping_group_range — which this process cannot
// introspect cheaply and reliably, so DGRAM is passed through uncheck and
// left to fail at socket-open time if the range excludes it. PolicyRAW and
// PolicyAUTO require root or CAP_NET_RAW.
func RequirePrivileges(policy SelectionPolicy) error {
	if policy == PolicyDGRAM {
		return nil
	}
	if os.Geteuid() == 0 {
		return nil
	}
	ok, err := hasCap(capNetRaw)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("icmpmux: requires CAP_NET_RAW (or root) for RAW sockets; grant with: sudo setcap cap_net_raw+ep <binary>, or use PolicyDGRAM with an appropriate net.ipv4.ping_group_range")
	}
	return nil
}

// hasCap reports whether bit is set in the process's effective capability
// mask, read from /proc/self/status's CapEff line.
func hasCap(bit int) (bool, error) {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return false, err
	}
	defer f.Close()

	mask, found, err := capEffMask(f)
	if err != nil {
		return false, err
	}
	if !found {
		return false, errors.New("icmpmux: CapEff not found in /proc/self/status")
	}
	return mask&(1<<uint(bit)) != 0, nil
}

// capEffMask scans r for the CapEff line and parses its hex value.
func capEffMask(r io.Reader) (mask uint64, found bool, err error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		rest, ok := strings.CutPrefix(sc.Text(), "CapEff:")
		if !ok {
			continue
		}
		mask, err = strconv.ParseUint(strings.TrimSpace(rest), 16, 64)
		return mask, true, err
	}
	return 0, false, sc.Err()
}
