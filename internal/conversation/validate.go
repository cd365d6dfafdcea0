package conversation

import (
	"fmt"

	"github.com/antoniostano/rtvoice/internal/protocol"
)

// Validate checks the shape of a client supplied item.
func Validate(item protocol.Item) error {
	switch item.Type {
	case protocol.ItemTypeMessage:
		return validateMessage(item)
	case protocol.ItemTypeFunctionCall:
		if item.CallID == "" {
			return invalid("Missing required parameter: 'item.call_id'.", "item.call_id")
		}
		if item.Name == "" {
			return invalid("Missing required parameter: 'item.name'.", "item.name")
		}
		return nil
	case protocol.ItemTypeFunctionCallOutput:
		if item.CallID == "" {
			return invalid("Missing required parameter: 'item.call_id'.", "item.call_id")
		}
		return nil
	default:
		return invalid(fmt.Sprintf("Invalid 'item.type': '%s'.", item.Type), "item.type")
	}
}

func validateMessage(item protocol.Item) error {
	var allowed map[protocol.ContentType]bool
	switch item.Role {
	case protocol.RoleSystem:
		allowed = map[protocol.ContentType]bool{protocol.ContentInputText: true}
	case protocol.RoleUser:
		allowed = map[protocol.ContentType]bool{
			protocol.ContentInputText:     true,
			protocol.ContentInputAudio:    true,
			protocol.ContentItemReference: true,
		}
	case protocol.RoleAssistant:
		allowed = map[protocol.ContentType]bool{protocol.ContentText: true, protocol.ContentAudio: true}
	case "":
		return invalid("Missing required parameter: 'item.role'.", "item.role")
	default:
		return invalid(fmt.Sprintf("Invalid 'item.role': '%s'.", item.Role), "item.role")
	}
	if len(item.Content) == 0 {
		return invalid("Missing required parameter: 'item.content'.", "item.content")
	}
	for i, part := range item.Content {
		param := fmt.Sprintf("item.content[%d].type", i)
		if !allowed[part.Type] {
			return invalid(fmt.Sprintf("Invalid content type '%s' for role '%s'.", part.Type, item.Role), param)
		}
		if part.Type == protocol.ContentItemReference && part.ID == "" {
			return invalid("Missing required parameter: 'id'.", fmt.Sprintf("item.content[%d].id", i))
		}
	}
	return nil
}

func invalid(message, param string) *protocol.Error {
	return protocol.InvalidRequest("invalid_value", message, param)
}
