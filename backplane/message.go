package backplane

import (
	"fmt"

	"github.com/go-cachekit/cachekit/observer"
)

// Action identifies a BackplaneMessage variant, per spec.md §3/§6.
type Action byte

const (
	ActionChanged     Action = 0
	ActionClear       Action = 1
	ActionClearRegion Action = 2
	ActionRemoved     Action = 3
)

// ChangeAction is the 3-bit subfield on a Changed message identifying
// which write produced it.
type ChangeAction byte

const (
	ChangeAdd    ChangeAction = 0
	ChangePut    ChangeAction = 1
	ChangeUpdate ChangeAction = 2
	ChangeRemove ChangeAction = 3
)

func (a ChangeAction) toObserver() observer.ActionKind {
	switch a {
	case ChangeAdd:
		return observer.ActionAdd
	case ChangePut:
		return observer.ActionPut
	case ChangeUpdate:
		return observer.ActionUpdate
	default:
		return observer.ActionRemove
	}
}

// SenderID is the 16-byte per-process token messages carry so a
// publisher can recognize (and suppress) its own echoes.
type SenderID [16]byte

// Message is the tagged union spec.md §3 defines: Changed, Removed,
// Clear, ClearRegion. Exactly one of the type-specific field groups is
// meaningful, selected by Action.
type Message struct {
	Sender SenderID
	Action Action

	// Changed/Removed
	Key    string
	Region string
	Change ChangeAction // only meaningful when Action == ActionChanged

	// ClearRegion
	ClearRegionName string
}

// dedupKey identifies messages that collapse together in the outbound
// set: equality uses sender+action+region+key, per spec.md §4.3. Change
// is deliberately excluded — a Changed(Put) and a Changed(Update) for
// the same key both just mean "re-fetch this key" to a peer, so they
// collapse into the same slot rather than both going out.
func (m Message) dedupKey() string {
	region := m.Region
	key := m.Key
	if m.Action == ActionClearRegion {
		region = m.ClearRegionName
		key = ""
	}
	// ActionClear carries no key/region; all Clear messages collapse to
	// one slot, since a Clear subsumes everything else in the outbound
	// set regardless of who else enqueued what.
	if m.Action == ActionClear {
		return "clear"
	}
	return fmt.Sprintf("%x\x00%d\x00%s\x00%s", m.Sender, m.Action, region, key)
}

// NewChanged builds a Changed message.
func NewChanged(sender SenderID, key, region string, action ChangeAction) Message {
	return Message{Sender: sender, Action: ActionChanged, Key: key, Region: region, Change: action}
}

// NewRemoved builds a Removed message.
func NewRemoved(sender SenderID, key, region string) Message {
	return Message{Sender: sender, Action: ActionRemoved, Key: key, Region: region}
}

// NewClear builds a Clear message.
func NewClear(sender SenderID) Message {
	return Message{Sender: sender, Action: ActionClear}
}

// NewClearRegion builds a ClearRegion message.
func NewClearRegion(sender SenderID, region string) Message {
	return Message{Sender: sender, Action: ActionClearRegion, ClearRegionName: region}
}
