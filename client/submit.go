package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/c35s/ipiq/chq"
)

// QueueStats describes one channel queue.
type QueueStats struct {
	Cursor     int
	Sent       uint32
	Served     uint32
	CmdPresent bool
}

// Stats describes both channel queues.
type Stats struct {
	High QueueStats
	Low  QueueStats
}

// IsFull reports whether the queue's cursor has reached its last slot.
func (s *Session) IsFull(p Priority) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr, err := s.tracker(p)
	if err != nil {
		return false, err
	}

	return tr.Full(), nil
}

// Cursor returns the index of the slot the next submission to p will use.
func (s *Session) Cursor(p Priority) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr, err := s.tracker(p)
	if err != nil {
		return 0, err
	}

	return tr.Cursor(), nil
}

// Acquire returns the slot the next submission to p will use. The caller writes
// the command into the slot's request buffer and calls Submit. Acquire doesn't
// reserve the slot: abandoning it is harmless, but callers that share a session
// must serialize Acquire and Submit themselves, or use Do.
func (s *Session) Acquire(p Priority) (*chq.Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.acquire(p)
}

func (s *Session) acquire(p Priority) (*chq.Slot, error) {
	tr, err := s.tracker(p)
	if err != nil {
		return nil, err
	}

	slot, ok := tr.Acquire()
	if !ok {
		return nil, fmt.Errorf("%w: %v cursor %d", ErrQueueFull, p, tr.Cursor())
	}

	return slot, nil
}

// Submit posts the slot at p's cursor to the service unit, rings its doorbell and
// waits for the answer. The response is then in the slot's response buffer.
//
// Once the slot is posted it belongs to the service unit, even if ringing the
// doorbell fails with ErrTransport or the wait ends with ErrTimeout or a context
// error. Such a command is lost; don't retry it in the same slot.
func (s *Session) Submit(ctx context.Context, p Priority) error {
	if err := s.lock(ctx); err != nil {
		return err
	}

	defer s.unlock()

	_, err := s.submit(ctx, p)
	return err
}

// Do copies req into a fresh slot of p, submits it and returns a copy of the
// response. The slot is released for reuse afterwards.
func (s *Session) Do(ctx context.Context, p Priority, req []byte) ([]byte, error) {
	if len(req) > chq.ReqSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, len(req), chq.ReqSize)
	}

	if err := s.lock(ctx); err != nil {
		return nil, err
	}

	defer s.unlock()

	s.mu.Lock()
	slot, err := s.acquire(p)
	if err == nil {
		buf := slot.Request()
		n := copy(buf, req)
		clear(buf[n:])
	}
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}

	posted, err := s.submit(ctx, p)
	if err != nil {
		return nil, err
	}

	resp := posted.Response()
	if err := posted.Release(); err != nil {
		return nil, err
	}

	return resp, nil
}

// Reclaim releases every slot of p and moves its cursor back to 0. It fails with
// chq.ErrBusy if the service unit still owns a slot. Reclaim waits for a command in
// flight to finish, or for ctx to be done.
func (s *Session) Reclaim(ctx context.Context, p Priority) error {
	if err := s.lock(ctx); err != nil {
		return err
	}

	defer s.unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	tr, err := s.tracker(p)
	if err != nil {
		return err
	}

	return tr.Reclaim()
}

// Stats returns the state of both queues.
func (s *Session) Stats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready {
		return Stats{}, ErrNotReady
	}

	stat := func(tr *chq.Tracker) QueueStats {
		return QueueStats{
			Cursor:     tr.Cursor(),
			Sent:       tr.Queue().Sent(),
			Served:     tr.Queue().Served(),
			CmdPresent: tr.Queue().CmdPresent(),
		}
	}

	return Stats{
		High: stat(s.q[High]),
		Low:  stat(s.q[Low]),
	}, nil
}

// submit posts, rings and waits. The caller holds the in-flight lock.
func (s *Session) submit(ctx context.Context, p Priority) (*chq.Slot, error) {
	s.mu.Lock()

	tr, err := s.tracker(p)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	slot, err := tr.Post()
	if err != nil {
		s.mu.Unlock()
		if errors.Is(err, chq.ErrFull) {
			return nil, fmt.Errorf("%w: %v: %w", ErrQueueFull, p, err)
		}

		return nil, err
	}

	var (
		mbox   = s.mbox
		closeC = s.closeC
	)

	s.mu.Unlock()

	s.log.Debug("command posted", "prio", p, "slot", slot.Index())

	if err := mbox.Send(s.cfg.TargetMask, s.cfg.BlockingSend); err != nil {
		s.log.Error("doorbell failed", "prio", p, "slot", slot.Index(), "err", err)
		return slot, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	if err := s.wait(ctx, slot, closeC); err != nil {
		s.log.Error("command lost", "prio", p, "slot", slot.Index(), "err", err)
		return slot, err
	}

	return slot, nil
}

// wait blocks until the doorbell callback fired and slot holds a response. A
// doorbell that doesn't come with a response, e.g. a late answer to a command
// that timed out, is dropped.
func (s *Session) wait(ctx context.Context, slot *chq.Slot, closeC <-chan struct{}) error {
	var timeoutC <-chan time.Time
	if s.cfg.CompletionTimeout > 0 {
		t := time.NewTimer(s.cfg.CompletionTimeout)
		defer t.Stop()
		timeoutC = t.C
	}

	for {
		select {
		case <-s.doneC:
			if slot.ResponseFull() {
				return nil
			}

		case <-timeoutC:
			return fmt.Errorf("%w: slot %d after %v", ErrTimeout, slot.Index(), s.cfg.CompletionTimeout)

		case <-closeC:
			return fmt.Errorf("%w: closed while waiting for slot %d", ErrNotReady, slot.Index())

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) lock(ctx context.Context) error {
	select {
	case s.inflight <- struct{}{}:
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) unlock() {
	<-s.inflight
}
