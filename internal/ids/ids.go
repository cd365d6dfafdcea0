// Package ids allocates the prefixed identifiers carried on the wire.
package ids

import (
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

const (
	PrefixSession      = "sess_"
	PrefixConversation = "conv_"
	PrefixItem         = "item_"
	PrefixResponse     = "resp_"
	PrefixEvent        = "event_"
	PrefixCall         = "call_"
)

// New returns prefix followed by 24 random hex characters.
func New(prefix string) string {
	return prefix + compact()[:24]
}

func Session() string      { return New(PrefixSession) }
func Conversation() string { return New(PrefixConversation) }
func Item() string         { return New(PrefixItem) }
func Response() string     { return New(PrefixResponse) }
func Call() string         { return New(PrefixCall) }

func compact() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// EventSequence hands out server event ids that never repeat within one
// session: a random per-session base followed by a monotonically increasing
// counter.
type EventSequence struct {
	base string
	n    atomic.Uint64
}

func NewEventSequence() *EventSequence {
	return &EventSequence{base: compact()[:12]}
}

func (s *EventSequence) Next() string {
	n := s.n.Add(1)
	return PrefixEvent + s.base + strconv.FormatUint(n, 36)
}
