package chq

import "fmt"

// Tracker is the client-side cursor for one queue. The cursor always names the
// slot the next submission will use. It is not safe for concurrent use.
type Tracker struct {
	q    *Queue
	next int
}

// NewTracker returns a tracker for q with its cursor at slot 0.
func NewTracker(q *Queue) *Tracker {
	return &Tracker{q: q}
}

// Queue returns the tracked queue.
func (t *Tracker) Queue() *Queue {
	return t.q
}

// Cursor returns the index of the next free slot.
func (t *Tracker) Cursor() int {
	return t.next
}

// Full reports whether the cursor has reached the last index. The last slot is
// never handed out, so at most Capacity-1 submissions fit before Reclaim.
func (t *Tracker) Full() bool {
	return t.next >= Capacity-1
}

// Acquire returns the slot at the cursor, or false if the queue is full. It does
// not advance the cursor.
func (t *Tracker) Acquire() (*Slot, bool) {
	if t.Full() {
		return nil, false
	}

	return t.q.Slot(t.next), true
}

// Post hands the slot at the cursor to the device, advances the cursor and raises
// the queue's command-present flag. The caller rings the doorbell.
func (t *Tracker) Post() (*Slot, error) {
	s, ok := t.Acquire()
	if !ok {
		return nil, fmt.Errorf("%w: cursor %d", ErrFull, t.next)
	}

	s.post()

	if t.next == Capacity-1 {
		t.next = 0
	} else {
		t.next++
	}

	t.q.setCmdPresent()
	return s, nil
}

// Reclaim releases every slot and moves the cursor back to 0. It fails with ErrBusy,
// leaving everything untouched, if the device still owns any slot.
func (t *Tracker) Reclaim() error {
	for i := 0; i < Capacity; i++ {
		if t.q.Slot(i).Owner() == OwnerDevice {
			return fmt.Errorf("%w: slot %d", ErrBusy, i)
		}
	}

	for i := 0; i < Capacity; i++ {
		if err := t.q.Slot(i).Release(); err != nil {
			return err
		}
	}

	t.next = 0
	return nil
}
