package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"

	"github.com/c35s/ipiq/device"
	"github.com/c35s/ipiq/ipi"
	"golang.org/x/sync/errgroup"
)

func main() {

	var (
		memPath = flag.String("mem", "ipiq.shm", "share memory through file, creating it if necessary")
		network = flag.String("net", "unix", "listen for the client's doorbell on unix or vsock")
		addr    = flag.String("addr", "ipiq.sock", "socket path or vsock port")
		verbose = flag.Bool("v", false, "log debug messages")
	)

	flag.Parse()

	if *verbose {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	mem, err := device.MapFile(*memPath, true)
	if err != nil {
		fatal(err)
	}

	defer mem.Close()

	// clients probe for the firmware before they connect
	withdraw, err := device.Announce(mem.MemAt, 0, 0)
	if err != nil {
		fatal(err)
	}

	defer withdraw()

	l, err := listen(*network, *addr)
	if err != nil {
		fatal(err)
	}

	defer l.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, l, mem.MemAt); err != nil {
		slog.Error("ipiq-sim failed", "err", err)
	}
}

// run serves one client connection after another until ctx is done. It closes l.
func run(ctx context.Context, l net.Listener, memAt func(addr uint64, size int) ([]byte, error)) error {
	g, ctx := errgroup.WithContext(ctx)

	// unblock Accept on interrupt
	g.Go(func() error {
		<-ctx.Done()
		l.Close()
		return nil
	})

	g.Go(func() error {
		for {
			if err := serve(ctx, l, memAt); err != nil {
				return err
			}

			if ctx.Err() != nil {
				return nil
			}
		}
	})

	return g.Wait()
}

// serve runs the device for one client connection. It returns nil when the client
// goes away.
func serve(ctx context.Context, l net.Listener, memAt func(addr uint64, size int) ([]byte, error)) error {
	mbox, err := ipi.Accept(l)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}

		return err
	}

	defer mbox.Close()

	slog.Info("client connected", "addr", l.Addr())

	dev, err := device.New(device.Config{
		MemAt:       memAt,
		Mailbox:     mbox,
		KeepPresent: true,
	})

	if err != nil {
		return err
	}

	err = dev.Run(ctx)
	if errors.Is(err, ipi.ErrClosed) || errors.Is(err, context.Canceled) {
		slog.Info("client disconnected", "addr", l.Addr())
		return nil
	}

	return err
}

func listen(network, addr string) (net.Listener, error) {
	if network != "vsock" {
		return net.Listen(network, addr)
	}

	port, err := strconv.ParseUint(addr, 0, 32)
	if err != nil {
		return nil, err
	}

	return ipi.ListenVsock(uint32(port))
}

func fatal(err error) {
	slog.Error("ipiq-sim failed", "err", err)
	os.Exit(1)
}
