// Package ledger tracks units of work for a batch job: their status, their
// persisted form and the factories workers pull them from.
package ledger

import (
	"fmt"

	"go.uber.org/atomic"

	"github.com/ChuLiYu/fleet-recovery/pkg/types"
)

// Event drives a WorkStatus transition.
type Event int

const (
	EventClaim Event = iota
	EventComplete
	EventFail
	EventStop
	EventReclaim
)

func (e Event) String() string {
	switch e {
	case EventClaim:
		return "claim"
	case EventComplete:
		return "complete"
	case EventFail:
		return "fail"
	case EventStop:
		return "stop"
	case EventReclaim:
		return "reclaim"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

type edge struct {
	from types.WorkStatus
	ev   Event
}

var transitions = map[edge]types.WorkStatus{
	{types.WorkInitialized, EventClaim}:   types.WorkProcessing,
	{types.WorkProcessing, EventComplete}: types.WorkCompleted,
	{types.WorkProcessing, EventFail}:     types.WorkFailed,
	{types.WorkProcessing, EventStop}:     types.WorkStopped,
	{types.WorkStopped, EventReclaim}:     types.WorkInitialized,
}

// Transition returns the status reached from `from` on ev and whether the
// pair is allowed. COMPLETED and FAILED have no outgoing edges.
func Transition(from types.WorkStatus, ev Event) (types.WorkStatus, bool) {
	to, ok := transitions[edge{from, ev}]
	if !ok {
		return from, false
	}
	return to, true
}

// UnitOfWork is one small piece of a job. Payload is opaque to the ledger.
type UnitOfWork struct {
	ID      string
	Payload []byte

	status *atomic.Int32
}

func NewUnit(id string, payload []byte) *UnitOfWork {
	return newUnitWithStatus(id, payload, types.WorkInitialized)
}

func newUnitWithStatus(id string, payload []byte, status types.WorkStatus) *UnitOfWork {
	return &UnitOfWork{ID: id, Payload: payload, status: atomic.NewInt32(int32(status))}
}

func (u *UnitOfWork) Status() types.WorkStatus { return types.WorkStatus(u.status.Load()) }

// Apply moves the unit along ev with a compare-and-set against the status
// it observed. It returns false if the edge does not exist or if another
// goroutine changed the status first.
func (u *UnitOfWork) Apply(ev Event) bool {
	from := u.Status()
	to, ok := Transition(from, ev)
	if !ok {
		return false
	}
	return u.status.CompareAndSwap(int32(from), int32(to))
}

func (u *UnitOfWork) Claim() bool    { return u.Apply(EventClaim) }
func (u *UnitOfWork) Complete() bool { return u.Apply(EventComplete) }
func (u *UnitOfWork) Fail() bool     { return u.Apply(EventFail) }
func (u *UnitOfWork) Stop() bool     { return u.Apply(EventStop) }
func (u *UnitOfWork) Reclaim() bool  { return u.Apply(EventReclaim) }

// Clone returns an independent copy, status included.
func (u *UnitOfWork) Clone() *UnitOfWork {
	payload := make([]byte, len(u.Payload))
	copy(payload, u.Payload)
	return newUnitWithStatus(u.ID, payload, u.Status())
}

func (u *UnitOfWork) String() string {
	return fmt.Sprintf("%s[%s %dB]", u.ID, u.Status(), len(u.Payload))
}
