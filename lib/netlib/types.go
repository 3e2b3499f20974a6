package netlib

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lni/dragonboat/v4/logger"
)

// Logger is the logger of the network layer
var Logger = logger.GetLogger("netlib")

var (
	// ErrInvalidHandle is returned for handles that do not name a live socket
	ErrInvalidHandle = errors.New("netlib: invalid handle")
	// ErrNotConnected is returned for data operations on sockets that are not connected
	ErrNotConnected = errors.New("netlib: socket not connected")
	// ErrWouldBlock is returned by Recv when no data is ready
	ErrWouldBlock = errors.New("netlib: operation would block")
	// ErrClosed is returned by operations on a closed library instance
	ErrClosed = errors.New("netlib: closed")
	// ErrUnsupported is returned on platforms without an event backend
	ErrUnsupported = errors.New("netlib: platform not supported")
)

// Handle identifies a socket. It is the OS descriptor, so it may be reused
// once a socket was fully released. Use Ref when a handle must be held
// across loop iterations.
type Handle int

// InvalidHandle never names a socket
const InvalidHandle Handle = -1

// Ref is a handle plus the generation of the socket it was taken from.
// Resolving a Ref fails once the socket was closed, even if the descriptor
// number got reused in the meantime.
type Ref struct {
	Handle Handle
	Gen    uint64
}

// Interest is a set of readiness conditions
type Interest uint8

const (
	InterestRead Interest = 1 << iota
	InterestWrite
	InterestExcept

	InterestAll = InterestRead | InterestWrite | InterestExcept
)

func (i Interest) String() string {
	if i == 0 {
		return "none"
	}
	var parts []string
	if i&InterestRead != 0 {
		parts = append(parts, "read")
	}
	if i&InterestWrite != 0 {
		parts = append(parts, "write")
	}
	if i&InterestExcept != 0 {
		parts = append(parts, "except")
	}
	return strings.Join(parts, "|")
}

// Event is what a socket reports to its callback
type Event uint8

const (
	// EventConnect is reported by a listening socket for every accepted
	// socket, the handle passed along is the new socket
	EventConnect Event = iota + 1
	// EventConfirm is reported once an outbound connect completed
	EventConfirm
	// EventRead means data is ready to be received
	EventRead
	// EventWrite means the socket can take more data
	EventWrite
	// EventClose means the peer went away or the socket failed
	EventClose
)

func (e Event) String() string {
	switch e {
	case EventConnect:
		return "connect"
	case EventConfirm:
		return "confirm"
	case EventRead:
		return "read"
	case EventWrite:
		return "write"
	case EventClose:
		return "close"
	default:
		return fmt.Sprintf("event(%d)", uint8(e))
	}
}

// Callback receives socket events. It always runs on the loop goroutine.
type Callback func(ev Event, h Handle)

// State is the lifecycle state of a socket
type State uint8

const (
	StateIdle State = iota
	StateListening
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// WriteMode selects how writable readiness is observed
type WriteMode uint8

const (
	// WriteModeRearm registers sockets level-triggered for read. Write
	// interest is only armed after a send would block and dropped again
	// once the socket reported writable.
	WriteModeRearm WriteMode = iota
	// WriteModeEdge registers every socket edge-triggered for read and
	// write at once. Nothing is ever re-armed.
	WriteModeEdge
)

func (m WriteMode) String() string {
	switch m {
	case WriteModeRearm:
		return "rearm"
	case WriteModeEdge:
		return "edge"
	default:
		return fmt.Sprintf("writemode(%d)", uint8(m))
	}
}

// ParseWriteMode parses "rearm" or "edge"
func ParseWriteMode(s string) (WriteMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rearm", "level", "":
		return WriteModeRearm, nil
	case "edge":
		return WriteModeEdge, nil
	default:
		return 0, fmt.Errorf("netlib: unknown write mode %q (expected rearm or edge)", s)
	}
}
