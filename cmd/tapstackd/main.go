// Command tapstackd runs a userspace TCP/IP stack over a Linux tap device.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/tapstack/tapstack/internal"
	"github.com/tapstack/tapstack/stack"
)

func main() {
	if err := run(); err != nil {
		log.Fatalln("tapstackd:", err)
	}
}

func run() error {
	var (
		flagIface   = flag.String("iface", "tap0", "tap interface name")
		flagNet     = flag.String("net", "192.168.10.1/24", "stack IP/prefix")
		flagProbes  = flag.Int("probes", 3, "address-claim ARP probe count")
		flagVerbose = flag.Bool("v", false, "enable debug logging")
	)
	flag.Parse()

	lvl := slog.LevelInfo
	if *flagVerbose {
		lvl = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	prefix, err := netip.ParsePrefix(*flagNet)
	if err != nil {
		return fmt.Errorf("parsing -net: %w", err)
	}

	tap, err := internal.NewTap(*flagIface, prefix)
	if err != nil {
		return fmt.Errorf("opening tap device %q: %w", *flagIface, err)
	}

	cfg := stack.DefaultConfig(prefix.Addr())
	cfg.ProbeCount = *flagProbes
	cfg.Logger = logger
	st := stack.New(cfg, tap)
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("tapstackd starting", slog.String("iface", *flagIface), slog.String("ip", prefix.Addr().String()))
	err = st.Run(ctx)
	if ctx.Err() != nil {
		logger.Info("tapstackd shutting down")
		return nil
	}
	return err
}
