package session

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/antoniostano/rtvoice/internal/audio"
	"github.com/antoniostano/rtvoice/internal/conversation"
	"github.com/antoniostano/rtvoice/internal/protocol"
)

func (c *Controller) createItem(it protocol.Item, previousItemID *string) error {
	// Audio payloads live next to the item, never inside it.
	payloads := make(map[int][]byte)
	it = it.Clone()
	for i, part := range it.Content {
		if part.Audio == "" {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(part.Audio)
		if err != nil {
			return protocol.InvalidRequest("invalid_value", "Audio content must be base64 encoded.", fmt.Sprintf("item.content[%d].audio", i))
		}
		payloads[i] = data
		it.Content[i].Audio = ""
	}

	item, prev, err := c.conv.Create(it, previousItemID)
	if err != nil {
		return itemError(err, "previous_item_id")
	}
	for i, data := range payloads {
		format := c.cfg.InputAudioFormat
		if item.Content[i].Type == protocol.ContentAudio {
			format = c.cfg.OutputAudioFormat
		}
		if err := c.conv.SetAudio(item.ID, i, conversation.AudioPart{Data: data, BytesPerMs: audio.BytesPerMs(format)}); err != nil {
			return err
		}
	}
	c.emit(&protocol.ConversationItemCreatedEvent{PreviousItemID: prev, Item: item})
	return nil
}

func (c *Controller) deleteItem(id string) error {
	if err := c.conv.Delete(id); err != nil {
		return itemError(err, "item_id")
	}
	c.emit(&protocol.ConversationItemDeletedEvent{ItemID: id})
	if c.transcribing[id] {
		delete(c.transcribing, id)
		c.startDeferred()
	}
	return nil
}

func (c *Controller) truncateItem(id string, contentIndex, audioEndMs int) error {
	if audioEndMs < 0 {
		return protocol.InvalidRequest("invalid_value", "Invalid 'audio_end_ms': must not be negative.", "audio_end_ms")
	}
	if c.active != nil && c.active.asm.OpenItemID() == id {
		return protocol.InvalidRequest("item_in_progress",
			"Cannot truncate an item while its response is still streaming. Cancel the response first.", "item_id")
	}
	if _, err := c.conv.Truncate(id, contentIndex, audioEndMs); err != nil {
		return itemError(err, "item_id")
	}
	c.emit(&protocol.ConversationItemTruncatedEvent{ItemID: id, ContentIndex: contentIndex, AudioEndMs: audioEndMs})
	return nil
}

// retrieveItem returns the item with its stored audio inlined.
func (c *Controller) retrieveItem(id string) error {
	item, err := c.conv.Retrieve(id)
	if err != nil {
		return itemError(err, "item_id")
	}
	for i := range item.Content {
		if a, ok := c.conv.Audio(id, i); ok && len(a.Data) > 0 {
			item.Content[i].Audio = base64.StdEncoding.EncodeToString(a.Data)
		}
	}
	c.emit(&protocol.ConversationItemRetrievedEvent{Item: item})
	return nil
}

// itemError maps conversation failures onto client errors.
func itemError(err error, param string) error {
	var perr *protocol.Error
	if errors.As(err, &perr) {
		return perr
	}
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		return protocol.InvalidRequest("item_not_found", "The referenced item does not exist: "+trimSentinel(err, conversation.ErrNotFound), param)
	case errors.Is(err, conversation.ErrDuplicateID):
		return protocol.InvalidRequest("item_already_exists", "An item with this id already exists in the conversation.", "item.id")
	case errors.Is(err, conversation.ErrNotTruncatable):
		return protocol.InvalidRequest("invalid_value", "Only assistant messages with audio content can be truncated.", "content_index")
	case errors.Is(err, conversation.ErrOutOfRange):
		return protocol.InvalidRequest("invalid_value", "Invalid 'audio_end_ms': it exceeds the audio duration of the item.", "audio_end_ms")
	}
	return err
}

// trimSentinel returns the detail wrapped after sentinel's text.
func trimSentinel(err, sentinel error) string {
	if rest, ok := strings.CutPrefix(err.Error(), sentinel.Error()+": "); ok {
		return rest
	}
	return err.Error()
}
