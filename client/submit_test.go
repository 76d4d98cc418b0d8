package client_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/c35s/ipiq/chq"
	"github.com/c35s/ipiq/client"
	"github.com/google/go-cmp/cmp"
)

func TestWraparound(t *testing.T) {
	s, _, _ := newSession(t, client.Config{})
	ctx := testContext(t)

	var cursors []int
	for i := 0; i < chq.Capacity-1; i++ {
		if full, _ := s.IsFull(client.High); full {
			t.Fatalf("full after %d submissions", i)
		}

		if _, err := s.Do(ctx, client.High, []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}

		c, _ := s.Cursor(client.High)
		cursors = append(cursors, c)
	}

	if diff := cmp.Diff([]int{1, 2, 3, 4, 5, 6, 7}, cursors); diff != "" {
		t.Error(diff)
	}

	if full, _ := s.IsFull(client.High); !full {
		t.Error("not full at the last index")
	}

	if _, err := s.Acquire(client.High); !errors.Is(err, client.ErrQueueFull) {
		t.Errorf("acquire: err=%v", err)
	}

	if err := s.Submit(ctx, client.High); !errors.Is(err, client.ErrQueueFull) {
		t.Errorf("submit: err=%v", err)
	}

	if c, _ := s.Cursor(client.High); c != chq.Capacity-1 {
		t.Errorf("cursor moved to %d", c)
	}

	if err := s.Reclaim(ctx, client.High); err != nil {
		t.Fatal(err)
	}

	if c, _ := s.Cursor(client.High); c != 0 {
		t.Errorf("cursor %d != 0 after reclaim", c)
	}

	if _, err := s.Do(ctx, client.High, []byte("again")); err != nil {
		t.Error(err)
	}
}

func TestPriorityIndependence(t *testing.T) {
	s, _, _ := newSession(t, client.Config{})
	ctx := testContext(t)

	for i := 0; i < chq.Capacity-1; i++ {
		if _, err := s.Do(ctx, client.High, nil); err != nil {
			t.Fatal(err)
		}
	}

	if full, _ := s.IsFull(client.Low); full {
		t.Error("low queue is full")
	}

	if _, err := s.Do(ctx, client.Low, []byte("low")); err != nil {
		t.Fatal(err)
	}

	st, err := s.Stats()
	if err != nil {
		t.Fatal(err)
	}

	want := client.Stats{
		High: client.QueueStats{Cursor: 7, Sent: 7, Served: 7},
		Low:  client.QueueStats{Cursor: 1, Sent: 1, Served: 1},
	}

	if diff := cmp.Diff(want, st); diff != "" {
		t.Error(diff)
	}
}

func TestSubmit(t *testing.T) {
	s, u, m := newSession(t, client.Config{})

	slot, err := s.Acquire(client.Low)
	if err != nil {
		t.Fatal(err)
	}

	req := bytes.Repeat([]byte{0x5a}, chq.ReqSize)
	copy(slot.Request(), req)

	if err := s.Submit(testContext(t), client.Low); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(invert(req), slot.Response()); diff != "" {
		t.Error(diff)
	}

	if !slot.RequestFull() || !slot.ResponseFull() {
		t.Error("status words not full after completion")
	}

	if slot.Owner() != chq.OwnerClient {
		t.Error("slot still owned by the device")
	}

	q := m.queue(t, client.Low)
	if q.Sent() != 1 || q.Served() != 1 {
		t.Errorf("sent=%d served=%d", q.Sent(), q.Served())
	}

	if diff := cmp.Diff([]uint32{client.DefaultTargetMask}, u.rings); diff != "" {
		t.Error(diff)
	}
}

func TestDo(t *testing.T) {
	s, _, m := newSession(t, client.Config{})
	ctx := testContext(t)

	t.Run("round trip", func(t *testing.T) {
		resp, err := s.Do(ctx, client.High, []byte("ping"))
		if err != nil {
			t.Fatal(err)
		}

		if diff := cmp.Diff(invert([]byte("ping")), resp); diff != "" {
			t.Error(diff)
		}

		slot := m.queue(t, client.High).Slot(0)
		if slot.RequestFull() || slot.ResponseFull() {
			t.Error("slot not released")
		}
	})

	t.Run("stale request bytes", func(t *testing.T) {
		slot, err := s.Acquire(client.High)
		if err != nil {
			t.Fatal(err)
		}

		copy(slot.Request(), bytes.Repeat([]byte{0xff}, chq.ReqSize))

		resp, err := s.Do(ctx, client.High, []byte{1, 2, 3})
		if err != nil {
			t.Fatal(err)
		}

		if diff := cmp.Diff(invert([]byte{1, 2, 3}), resp); diff != "" {
			t.Error(diff)
		}
	})

	t.Run("too large", func(t *testing.T) {
		before, _ := s.Cursor(client.High)

		if _, err := s.Do(ctx, client.High, make([]byte, chq.ReqSize+1)); !errors.Is(err, client.ErrTooLarge) {
			t.Errorf("err=%v", err)
		}

		if after, _ := s.Cursor(client.High); after != before {
			t.Errorf("cursor moved from %d to %d", before, after)
		}
	})
}

func TestSubmitTransport(t *testing.T) {
	s, u, m := newSession(t, client.Config{})
	u.setSendErr(errBoom)

	err := s.Submit(testContext(t), client.High)
	if !errors.Is(err, client.ErrTransport) || !errors.Is(err, errBoom) {
		t.Errorf("err=%v", err)
	}

	if c, _ := s.Cursor(client.High); c != 1 {
		t.Errorf("cursor %d != 1", c)
	}

	if m.queue(t, client.High).Slot(0).Owner() != chq.OwnerDevice {
		t.Error("posted slot not owned by the device")
	}

	if err := s.Reclaim(testContext(t), client.High); !errors.Is(err, chq.ErrBusy) {
		t.Errorf("reclaim: err=%v", err)
	}
}

func TestTargetMask(t *testing.T) {
	s, u, _ := newSession(t, client.Config{TargetMask: 0x4, BlockingSend: true})

	if _, err := s.Do(testContext(t), client.Low, nil); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]uint32{0x4}, u.rings); diff != "" {
		t.Error(diff)
	}
}

func TestSubmitTimeout(t *testing.T) {
	s, u, _ := newSession(t, client.Config{CompletionTimeout: 20 * time.Millisecond})
	u.setHold(true)

	if _, err := s.Do(testContext(t), client.High, []byte("lost")); !errors.Is(err, client.ErrTimeout) {
		t.Fatalf("err=%v", err)
	}

	if err := s.Reclaim(testContext(t), client.High); !errors.Is(err, chq.ErrBusy) {
		t.Errorf("reclaim while owned: err=%v", err)
	}

	// the late answer rings too
	u.release()

	resp, err := s.Do(testContext(t), client.High, []byte("next"))
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(invert([]byte("next")), resp); diff != "" {
		t.Error(diff)
	}

	if err := s.Reclaim(testContext(t), client.High); err != nil {
		t.Error(err)
	}
}

func TestReclaimWaitsForSubmit(t *testing.T) {
	s, u, _ := newSession(t, client.Config{})
	u.setHold(true)

	errC := make(chan error, 1)
	go func() {
		errC <- s.Submit(context.Background(), client.Low)
	}()

	waitFor(t, "doorbell", func() bool { return u.ringCount() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := s.Reclaim(ctx, client.Low); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("reclaim behind a waiting submit: err=%v", err)
	}

	u.release()

	if err := <-errC; err != nil {
		t.Fatal(err)
	}

	if err := s.Reclaim(testContext(t), client.Low); err != nil {
		t.Error(err)
	}
}

func TestSubmitContext(t *testing.T) {
	s, u, _ := newSession(t, client.Config{})
	u.setHold(true)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := s.Submit(ctx, client.Low); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err=%v", err)
	}
}

func TestCloseWhileWaiting(t *testing.T) {
	s, u, _ := newSession(t, client.Config{})
	u.setHold(true)

	errC := make(chan error, 1)
	go func() {
		errC <- s.Submit(context.Background(), client.High)
	}()

	waitFor(t, "doorbell", func() bool { return u.ringCount() == 1 })

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errC:
		if !errors.Is(err, client.ErrNotReady) {
			t.Errorf("err=%v", err)
		}

	case <-time.After(5 * time.Second):
		t.Fatal("submit still waiting after close")
	}
}

func TestSingleInFlight(t *testing.T) {
	s, u, _ := newSession(t, client.Config{})
	u.setHold(true)

	type result struct {
		resp []byte
		err  error
	}

	do := func(req string) <-chan result {
		c := make(chan result, 1)
		go func() {
			resp, err := s.Do(context.Background(), client.High, []byte(req))
			c <- result{resp, err}
		}()

		return c
	}

	first := do("first")
	waitFor(t, "first doorbell", func() bool { return u.ringCount() == 1 })

	second := do("second")
	time.Sleep(20 * time.Millisecond)

	if n := u.ringCount(); n != 1 {
		t.Fatalf("%d doorbells with a command in flight", n)
	}

	u.release()

	for req, c := range map[string]<-chan result{"first": first, "second": second} {
		select {
		case r := <-c:
			if r.err != nil {
				t.Fatalf("%s: %v", req, r.err)
			}

			if diff := cmp.Diff(invert([]byte(req)), r.resp); diff != "" {
				t.Errorf("%s: %s", req, diff)
			}

		case <-time.After(5 * time.Second):
			t.Fatalf("%s: no answer", req)
		}
	}

	if n := u.ringCount(); n != 2 {
		t.Errorf("%d doorbells != 2", n)
	}
}
