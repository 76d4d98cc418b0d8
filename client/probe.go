package client

import (
	"context"
	"fmt"
	"time"
)

// Register is a 32-bit register read with a single atomic load.
type Register interface {
	Load() uint32
}

// Probe polls reg until all bits in mask are set. It fails with
// ErrServiceNotPresent once timeout has passed, or with the context's error.
// The deadline is wall-clock time, so it doesn't depend on the sleep granularity.
func Probe(ctx context.Context, reg Register, mask uint32, timeout, interval time.Duration) error {
	deadline := time.Now().Add(timeout)

	t := time.NewTimer(interval)
	defer t.Stop()

	for {
		if reg.Load()&mask == mask {
			return nil
		}

		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w: status bits %#x not set after %v", ErrServiceNotPresent, mask, timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-t.C:
			t.Reset(interval)
		}
	}
}
