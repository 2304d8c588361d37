// Package stream implements the producer-side ActiveStream and
// consumer-side PassiveStream state machines, the
// SnapshotProcessorTask that drains checkpoint cursors into ready
// queues, and the BackfillManager that feeds an ActiveStream from
// persistent storage when history precedes the oldest in-memory
// checkpoint.
//
// Each state machine exposes only named transition methods; there is
// no setState(arbitrary) escape hatch.
package stream

import "fmt"

// ActiveState is the producer-side stream state.
type ActiveState uint8

const (
	ActivePending ActiveState = iota
	ActiveBackfilling
	ActiveInMemory
	ActiveTakeoverSend
	ActiveTakeoverWait
	ActiveDead
)

func (s ActiveState) String() string {
	switch s {
	case ActivePending:
		return "pending"
	case ActiveBackfilling:
		return "backfilling"
	case ActiveInMemory:
		return "in-memory"
	case ActiveTakeoverSend:
		return "takeover-send"
	case ActiveTakeoverWait:
		return "takeover-wait"
	case ActiveDead:
		return "dead"
	default:
		return fmt.Sprintf("active-state(%d)", uint8(s))
	}
}

// PassiveState is the consumer-side stream state.
type PassiveState uint8

const (
	PassivePending PassiveState = iota
	PassiveAwaitingFirstSnapshot
	PassiveReading
	PassiveDead
)

func (s PassiveState) String() string {
	switch s {
	case PassivePending:
		return "pending"
	case PassiveAwaitingFirstSnapshot:
		return "awaiting-first-snapshot"
	case PassiveReading:
		return "reading"
	case PassiveDead:
		return "dead"
	default:
		return fmt.Sprintf("passive-state(%d)", uint8(s))
	}
}
