package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/c35s/ipiq/chq"
	"github.com/c35s/ipiq/client"
	"github.com/c35s/ipiq/device"
	"github.com/c35s/ipiq/ipi"
	"github.com/c35s/ipiq/shmem"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

func main() {

	var (
		memPath  = flag.String("mem", "", "share memory through file (default: in-process loopback)")
		network  = flag.String("net", "unix", "doorbell network of the service unit: unix or vsock")
		addr     = flag.String("addr", "ipiq.sock", "doorbell address: socket path or cid:port")
		reqPath  = flag.String("req", "-", "read the request from file or URL (- for stdin)")
		prioName = flag.String("prio", "high", "submit to the high or low priority queue")
		timeout  = flag.Duration("timeout", 5*time.Second, "wait at most this long for the answer (0 waits forever)")
		dumpPath = flag.String("dump", "", "write a cpio snapshot of the shared memory to file")
		verbose  = flag.Bool("v", false, "log debug messages")
	)

	flag.Parse()

	if *verbose {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	prio, err := client.ParsePriority(*prioName)
	if err != nil {
		fatal(err)
	}

	req, err := readURL(*reqPath)
	if err != nil {
		fatal(err)
	}

	mem, err := device.MapFile(*memPath, false)
	if err != nil {
		fatal(err)
	}

	defer mem.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var open ipi.Opener
	g, ctx := errgroup.WithContext(ctx)

	if *memPath == "" {
		a, b, err := ipi.NewEventfdPair()
		if err != nil {
			fatal(err)
		}

		defer b.Close()

		dev, err := device.New(device.Config{
			MemAt:   mem.MemAt,
			Mailbox: b,
		})

		if err != nil {
			fatal(err)
		}

		devCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		g.Go(func() error {
			if err := dev.Run(devCtx); !errors.Is(err, context.Canceled) {
				return err
			}

			return nil
		})

		open = func(uint32) (ipi.Mailbox, error) { return a, nil }

		// the device goes away once the command is done
		defer func() {
			cancel()
			if err := g.Wait(); err != nil {
				slog.Error("loopback device failed", "err", err)
			}
		}()
	} else {
		open = func(uint32) (ipi.Mailbox, error) { return dial(*network, *addr) }
	}

	s, err := client.New(client.Config{
		MemAt:             mem.MemAt,
		Open:              open,
		CompletionTimeout: *timeout,
	})

	if err != nil {
		fatal(err)
	}

	if err := s.Init(ctx, 0); err != nil {
		fatal(err)
	}

	defer s.Close()

	resp, err := s.Do(ctx, prio, req)
	if err != nil {
		fatal(err)
	}

	if *dumpPath != "" {
		if err := dump(*dumpPath, mem); err != nil {
			fatal(err)
		}
	}

	if term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Print(hex.Dump(resp))
		return
	}

	if _, err := os.Stdout.Write(resp); err != nil {
		fatal(err)
	}
}

func dial(network, addr string) (ipi.Mailbox, error) {
	if network != "vsock" {
		return ipi.Dial(network, addr)
	}

	cid, port, ok := strings.Cut(addr, ":")
	if !ok {
		return nil, fmt.Errorf("ipiq: vsock address %q is not cid:port", addr)
	}

	c, err := strconv.ParseUint(cid, 0, 32)
	if err != nil {
		return nil, fmt.Errorf("ipiq: vsock cid: %w", err)
	}

	p, err := strconv.ParseUint(port, 0, 32)
	if err != nil {
		return nil, fmt.Errorf("ipiq: vsock port: %w", err)
	}

	return ipi.DialVsock(uint32(c), uint32(p))
}

func dump(path string, mem shmem.Regions) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	err = shmem.WriteSnapshot(f, mem.MemAt,
		shmem.Span{Name: "queue-high", Addr: client.DefaultHighQueueAddr, Size: chq.SizeofQueue},
		shmem.Span{Name: "queue-low", Addr: client.DefaultHighQueueAddr + chq.SizeofQueue, Size: chq.SizeofQueue},
		shmem.Span{Name: "status", Addr: client.DefaultStatusAddr, Size: 4})

	if cerr := f.Close(); err == nil {
		err = cerr
	}

	return err
}

func readURL(s string) (body []byte, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("ipiq: read URL %s: %w", s, err)
		}
	}()

	if s == "-" {
		return io.ReadAll(io.LimitReader(os.Stdin, chq.ReqSize+1))
	}

	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "", "file":
		return os.ReadFile(u.Path)

	case "http", "https":
		res, err := http.Get(u.String())
		if err != nil {
			return nil, err
		}

		defer res.Body.Close()

		if res.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("response status %d != %d", res.StatusCode, http.StatusOK)
		}

		return io.ReadAll(res.Body)

	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}

func fatal(err error) {
	slog.Error("ipiq failed", "err", err)
	os.Exit(1)
}
