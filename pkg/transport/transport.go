// Package transport moves band assignments from the coordinator (rank 0) to the
// workers and filtered core rows back. Messages are addressed by rank and
// matched on receive by (source, tag), so no message is ever ambiguous.
//
// Two implementations are provided: Hub, which connects goroutine ranks inside
// one process, and TCP, which connects ranks running as separate processes.
// Both are blocking: Send returns once the payload belongs to the transport,
// Recv returns once a matching message has arrived.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// Tag names the logical channel a message travels on.
type Tag uint32

const (
	// TagWidth carries the image width to a worker.
	TagWidth Tag = iota + 1

	// TagBandHeight carries the number of core rows to a worker.
	TagBandHeight

	// TagTopHalo carries the number of context rows above the band.
	TagTopHalo

	// TagBottomHalo carries the number of context rows below the band.
	TagBottomHalo

	// TagPixels carries the band and its halo rows.
	TagPixels

	// TagResult carries a worker's filtered core rows back to rank 0.
	TagResult

	// TagAbort tells a worker that the run was cancelled before scatter.
	TagAbort

	// tagHello introduces a dialing TCP rank to the coordinator.
	tagHello
)

func (t Tag) String() string {
	switch t {
	case TagWidth:
		return "width"
	case TagBandHeight:
		return "band-height"
	case TagTopHalo:
		return "top-halo"
	case TagBottomHalo:
		return "bottom-halo"
	case TagPixels:
		return "pixels"
	case TagResult:
		return "result"
	case TagAbort:
		return "abort"
	case tagHello:
		return "hello"
	default:
		return fmt.Sprintf("Tag(%d)", uint32(t))
	}
}

// AnySource matches a message from any rank in Recv.
const AnySource = -1

var (
	// ErrTransport wraps every failure of the message layer. All of them are
	// fatal for the run.
	ErrTransport = errors.New("transport failure")

	// ErrClosed is reported once a transport or peer connection has shut down.
	ErrClosed = errors.New("transport closed")

	// ErrAborted is returned to a worker whose coordinator cancelled the run
	// before any work was handed out.
	ErrAborted = errors.New("run aborted by coordinator")
)

// Message is one unit of transfer between two ranks.
type Message struct {
	Source  int
	Tag     Tag
	Payload []byte
}

// Transport is a rank's handle on the message layer. A Transport is created at
// startup and must be closed on every exit path.
type Transport interface {
	// Rank returns the caller's rank.
	Rank() int

	// Size returns the number of ranks taking part in the run.
	Size() int

	// Send delivers payload to rank dest on channel tag. The caller may reuse
	// payload after Send returns.
	Send(ctx context.Context, dest int, tag Tag, payload []byte) error

	// Recv blocks until a message from source (or AnySource) carrying one of
	// tags arrives. Messages from one sender are matched in the order sent.
	Recv(ctx context.Context, source int, tags ...Tag) (Message, error)

	// Close releases the transport. Pending and later calls fail with ErrClosed.
	Close() error
}

func transportErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransport, fmt.Sprintf(format, args...))
}
