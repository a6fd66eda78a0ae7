// Command icmpmux-ping is a thin demonstration of the icmpmux package: it
// is not part of the library surface and exists only to exercise Session
// from a command line, the way uping-send exercises uping.Sender.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dz-tools/icmpmux/pkg/icmpmux"
	"github.com/lmittmann/tint"
	"github.com/spf13/pflag"
)

func main() {
	var (
		dst      string
		src      string
		count    int
		interval time.Duration
		timeout  time.Duration
		ttl      int
		policy   string
		verbose  bool
	)

	pflag.StringVarP(&dst, "dst", "d", "", "destination address, IPv4 or IPv6 (required)")
	pflag.StringVarP(&src, "src", "s", "", "source address to bind to (optional)")
	pflag.IntVarP(&count, "count", "c", 4, "number of echo requests to send (>0)")
	pflag.DurationVarP(&interval, "interval", "n", time.Second, "delay between probes")
	pflag.DurationVarP(&timeout, "timeout", "t", 3*time.Second, "per-probe timeout")
	pflag.IntVar(&ttl, "ttl", 64, "TTL / hop limit")
	pflag.StringVar(&policy, "policy", "auto", "socket selection policy: raw, dgram, or auto")
	pflag.BoolVarP(&verbose, "verbose", "v", false, "enable debug logs")
	pflag.Parse()

	if dst == "" {
		fmt.Fprintln(os.Stderr, "error: --dst is required")
		pflag.Usage()
		os.Exit(2)
	}
	if count <= 0 {
		fmt.Fprintln(os.Stderr, "error: --count must be > 0")
		os.Exit(2)
	}

	dstIP := net.ParseIP(dst)
	if dstIP == nil {
		fmt.Fprintf(os.Stderr, "bad address: %s\n", dst)
		os.Exit(2)
	}
	var srcIP net.IP
	if src != "" {
		srcIP = net.ParseIP(src)
		if srcIP == nil {
			fmt.Fprintf(os.Stderr, "bad source address: %s\n", src)
			os.Exit(2)
		}
	}

	sockPolicy, err := parsePolicy(policy)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	if err := icmpmux.RequirePrivileges(sockPolicy); err != nil {
		fmt.Fprintf(os.Stderr, "privileges check failed: %v\n", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := icmpmux.NewSession(icmpmux.Config{
		TTL:      ttl,
		Timeout:  timeout,
		Interval: interval,
		SrcAddr:  srcIP,
		Policy:   sockPolicy,
		Logger:   log,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create session: %v\n", err)
		os.Exit(1)
	}

	allOK := true
	for r := range sess.IterRTT(ctx, dstIP, count) {
		switch {
		case r.Err != nil:
			allOK = false
			fmt.Printf("seq=%d error=%v\n", r.Seq, r.Err)
		case r.OK:
			fmt.Printf("seq=%d rtt=%v\n", r.Seq, r.RTT)
		default:
			allOK = false
			fmt.Printf("seq=%d timeout\n", r.Seq)
		}
	}
	if !allOK {
		os.Exit(1)
	}
}

func parsePolicy(s string) (icmpmux.SelectionPolicy, error) {
	switch s {
	case "raw":
		return icmpmux.PolicyRAW, nil
	case "dgram":
		return icmpmux.PolicyDGRAM, nil
	case "auto":
		return icmpmux.PolicyAUTO, nil
	default:
		return 0, fmt.Errorf("unknown --policy %q: want raw, dgram, or auto", s)
	}
}
