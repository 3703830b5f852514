package engine

import (
	"fmt"
	"time"
)

// Phase is the state of the active conversation. It is one of Idle,
// Loaded or Streaming.
type Phase interface {
	fmt.Stringer
	isPhase()
}

// Idle means no snapshot has been applied for the current activation.
type Idle struct{}

// Loaded means the snapshot is in place and no reply is streaming.
type Loaded struct{}

// Streaming means a reply is arriving. MessageID is the message that
// started the turn.
type Streaming struct {
	MessageID string
	Since     time.Time
}

func (Idle) isPhase()      {}
func (Loaded) isPhase()    {}
func (Streaming) isPhase() {}

func (Idle) String() string   { return "idle" }
func (Loaded) String() string { return "loaded" }
func (s Streaming) String() string {
	return "streaming " + s.MessageID
}
