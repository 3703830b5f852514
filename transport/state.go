package transport

import (
	"fmt"
	"time"
)

// State is the connection state of a Manager. It is one of Disconnected,
// Connecting, Connected or Exhausted.
type State interface {
	fmt.Stringer
	isState()
}

// Disconnected is the idle state: never connected, explicitly disconnected,
// or dropped and not yet retrying.
type Disconnected struct {
	Reason string
}

// Connecting is a dial in progress.
type Connecting struct {
	Attempt int
}

// Connected carries the identity the live connection was opened for.
type Connected struct {
	UserID string
	Since  time.Time
}

// Exhausted is terminal until the caller connects again, typically after a
// credential refresh.
type Exhausted struct {
	Attempts int
	Err      error
}

func (Disconnected) isState() {}
func (Connecting) isState()   {}
func (Connected) isState()    {}
func (Exhausted) isState()    {}

func (s Disconnected) String() string {
	if s.Reason == "" {
		return "disconnected"
	}
	return "disconnected (" + s.Reason + ")"
}

func (s Connecting) String() string { return fmt.Sprintf("connecting (attempt %d)", s.Attempt) }
func (s Connected) String() string  { return "connected as " + s.UserID }

func (s Exhausted) String() string {
	return fmt.Sprintf("disconnected after %d failed attempts", s.Attempts)
}
