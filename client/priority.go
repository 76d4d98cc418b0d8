package client

import (
	"fmt"
	"strings"
)

// Priority selects one of the two channel queues. The service unit serves the
// high priority queue first; the client doesn't order the queues.
type Priority uint32

const (
	High Priority = 0
	Low  Priority = 1

	numPriorities = 2
)

// ParsePriority parses "high" or "low".
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(s) {
	case "high":
		return High, nil

	case "low":
		return Low, nil

	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidPriority, s)
	}
}

func (p Priority) String() string {
	switch p {
	case High:
		return "high"

	case Low:
		return "low"

	default:
		return fmt.Sprintf("Priority(%d)", uint32(p))
	}
}

func (p Priority) valid() bool {
	return p == High || p == Low
}
