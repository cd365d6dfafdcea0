// Package conversation keeps the ordered item list of one session. Items live
// in a flat table keyed by id; order is expressed through prev/next ids.
package conversation

import (
	"errors"
	"fmt"

	"github.com/antoniostano/rtvoice/internal/ids"
	"github.com/antoniostano/rtvoice/internal/protocol"
)

// RootID as previous_item_id inserts at the head of the conversation.
const RootID = "root"

var (
	ErrNotFound       = errors.New("item not found")
	ErrDuplicateID    = errors.New("item id already exists")
	ErrNotTruncatable = errors.New("item is not an assistant audio message")
	ErrOutOfRange     = errors.New("audio_end_ms exceeds audio duration")
)

// AudioPart holds the raw bytes behind an audio content part.
type AudioPart struct {
	Data       []byte
	BytesPerMs int
}

func (p AudioPart) DurationMs() int {
	if p.BytesPerMs <= 0 {
		return 0
	}
	return len(p.Data) / p.BytesPerMs
}

type node struct {
	item  protocol.Item
	prev  string
	next  string
	audio map[int]AudioPart
}

// Store is not safe for concurrent use; its owning session actor is the only
// caller.
type Store struct {
	id    string
	nodes map[string]*node
	head  string
	tail  string
}

func New() *Store {
	return &Store{
		id:    ids.Conversation(),
		nodes: make(map[string]*node),
	}
}

func (s *Store) ID() string { return s.id }

func (s *Store) Len() int { return len(s.nodes) }

// Create validates item, assigns an id when missing and links it after
// previousItemID. A nil previousItemID appends at the tail. The returned
// pointer names the item's predecessor, nil when it is the new head.
func (s *Store) Create(item protocol.Item, previousItemID *string) (protocol.Item, *string, error) {
	if err := Validate(item); err != nil {
		return protocol.Item{}, nil, err
	}
	if item.ID == "" {
		item.ID = ids.Item()
	}
	if _, exists := s.nodes[item.ID]; exists {
		return protocol.Item{}, nil, fmt.Errorf("%w: %s", ErrDuplicateID, item.ID)
	}

	after := s.tail
	if previousItemID != nil {
		switch *previousItemID {
		case RootID:
			after = ""
		default:
			if _, ok := s.nodes[*previousItemID]; !ok {
				return protocol.Item{}, nil, fmt.Errorf("%w: %s", ErrNotFound, *previousItemID)
			}
			after = *previousItemID
		}
	}

	item.Object = "realtime.item"
	if item.Status == "" {
		item.Status = protocol.ItemStatusCompleted
	}
	n := &node{item: item.Clone()}
	s.link(n, after)
	return item.Clone(), prevPtr(n.prev), nil
}

// AppendGenerated links a server produced item at the tail. Such items skip
// client shape validation: an assistant message starts without content and
// gains parts while it streams.
func (s *Store) AppendGenerated(item protocol.Item) (protocol.Item, *string, error) {
	if item.ID == "" {
		item.ID = ids.Item()
	}
	if _, exists := s.nodes[item.ID]; exists {
		return protocol.Item{}, nil, fmt.Errorf("%w: %s", ErrDuplicateID, item.ID)
	}
	item.Object = "realtime.item"
	n := &node{item: item.Clone()}
	s.link(n, s.tail)
	return item.Clone(), prevPtr(n.prev), nil
}

func (s *Store) link(n *node, after string) {
	id := n.item.ID
	s.nodes[id] = n
	if after == "" {
		n.next = s.head
		if s.head != "" {
			s.nodes[s.head].prev = id
		}
		s.head = id
		if s.tail == "" {
			s.tail = id
		}
		return
	}
	p := s.nodes[after]
	n.prev = after
	n.next = p.next
	if p.next != "" {
		s.nodes[p.next].prev = id
	} else {
		s.tail = id
	}
	p.next = id
}

// Delete unlinks the item and relinks its neighbours.
func (s *Store) Delete(id string) error {
	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if n.prev != "" {
		s.nodes[n.prev].next = n.next
	} else {
		s.head = n.next
	}
	if n.next != "" {
		s.nodes[n.next].prev = n.prev
	} else {
		s.tail = n.prev
	}
	delete(s.nodes, id)
	return nil
}

func (s *Store) Retrieve(id string) (protocol.Item, error) {
	n, ok := s.nodes[id]
	if !ok {
		return protocol.Item{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return n.item.Clone(), nil
}

// Previous returns the id of the item before id, nil at the head.
func (s *Store) Previous(id string) *string {
	n, ok := s.nodes[id]
	if !ok {
		return nil
	}
	return prevPtr(n.prev)
}

// Update applies fn to the stored item in place.
func (s *Store) Update(id string, fn func(*protocol.Item)) (protocol.Item, error) {
	n, ok := s.nodes[id]
	if !ok {
		return protocol.Item{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	fn(&n.item)
	return n.item.Clone(), nil
}

// UpdateTranscript fills in the transcript of an input audio part once the
// transcription collaborator has answered, and sets the item status.
func (s *Store) UpdateTranscript(id string, contentIndex int, transcript string, status protocol.ItemStatus) (protocol.Item, error) {
	n, ok := s.nodes[id]
	if !ok {
		return protocol.Item{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if contentIndex < 0 || contentIndex >= len(n.item.Content) {
		return protocol.Item{}, fmt.Errorf("%w: content_index %d", ErrNotFound, contentIndex)
	}
	content := append([]protocol.ContentPart(nil), n.item.Content...)
	content[contentIndex].Transcript = transcript
	n.item.Content = content
	n.item.Status = status
	return n.item.Clone(), nil
}

func (s *Store) SetAudio(id string, contentIndex int, part AudioPart) error {
	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if n.audio == nil {
		n.audio = make(map[int]AudioPart)
	}
	n.audio[contentIndex] = part
	return nil
}

// AppendAudio extends the audio of a part that is still being streamed.
func (s *Store) AppendAudio(id string, contentIndex int, data []byte, bytesPerMs int) error {
	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if n.audio == nil {
		n.audio = make(map[int]AudioPart)
	}
	part := n.audio[contentIndex]
	part.Data = append(part.Data, data...)
	part.BytesPerMs = bytesPerMs
	n.audio[contentIndex] = part
	return nil
}

func (s *Store) Audio(id string, contentIndex int) (AudioPart, bool) {
	n, ok := s.nodes[id]
	if !ok || n.audio == nil {
		return AudioPart{}, false
	}
	part, ok := n.audio[contentIndex]
	return part, ok
}

// Truncate cuts the audio of an assistant message at audioEndMs. The server
// transcript of the part is dropped since it no longer matches what was
// heard.
func (s *Store) Truncate(id string, contentIndex, audioEndMs int) (protocol.Item, error) {
	n, ok := s.nodes[id]
	if !ok {
		return protocol.Item{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	it := n.item
	if it.Type != protocol.ItemTypeMessage || it.Role != protocol.RoleAssistant {
		return protocol.Item{}, ErrNotTruncatable
	}
	if contentIndex < 0 || contentIndex >= len(it.Content) || it.Content[contentIndex].Type != protocol.ContentAudio {
		return protocol.Item{}, ErrNotTruncatable
	}
	part := n.audio[contentIndex]
	duration := part.DurationMs()
	if audioEndMs > duration {
		return protocol.Item{}, fmt.Errorf("%w: %d > %d", ErrOutOfRange, audioEndMs, duration)
	}

	if part.BytesPerMs > 0 {
		cut := audioEndMs * part.BytesPerMs
		part.Data = part.Data[:cut:cut]
		n.audio[contentIndex] = part
	}
	content := append([]protocol.ContentPart(nil), it.Content...)
	content[contentIndex].Transcript = ""
	n.item.Content = content
	if audioEndMs < duration {
		n.item.Status = protocol.ItemStatusIncomplete
	}
	return n.item.Clone(), nil
}

// List returns the items head to tail.
func (s *Store) List() []protocol.Item {
	out := make([]protocol.Item, 0, len(s.nodes))
	for id := s.head; id != ""; id = s.nodes[id].next {
		out = append(out, s.nodes[id].item.Clone())
	}
	return out
}

func prevPtr(id string) *string {
	if id == "" {
		return nil
	}
	v := id
	return &v
}
