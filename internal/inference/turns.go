package inference

import (
	"strings"

	"github.com/antoniostano/rtvoice/internal/protocol"
)

// Turn is one conversation item flattened for a text model.
type Turn struct {
	Role protocol.Role
	Text string
	// Call is set for a function_call item.
	Call *FunctionCall
	// Output is set for a function_call_output item; Call carries the
	// matching call when known.
	Output *string
}

// TurnsFromItems flattens conversation items in order. Audio parts
// contribute their transcript; items with nothing to say are skipped.
func TurnsFromItems(items []protocol.Item) []Turn {
	calls := make(map[string]*FunctionCall)
	turns := make([]Turn, 0, len(items))
	for _, it := range items {
		switch it.Type {
		case protocol.ItemTypeFunctionCall:
			fc := &FunctionCall{CallID: it.CallID, Name: it.Name, Arguments: it.Arguments}
			calls[it.CallID] = fc
			turns = append(turns, Turn{Role: protocol.RoleAssistant, Call: fc})
		case protocol.ItemTypeFunctionCallOutput:
			out := it.Output
			turns = append(turns, Turn{Role: protocol.RoleUser, Call: calls[it.CallID], Output: &out})
		default:
			text := itemText(it)
			if text == "" {
				continue
			}
			turns = append(turns, Turn{Role: it.Role, Text: text})
		}
	}
	return turns
}

func itemText(it protocol.Item) string {
	var parts []string
	for _, c := range it.Content {
		switch {
		case c.Text != "":
			parts = append(parts, c.Text)
		case c.Transcript != "":
			parts = append(parts, c.Transcript)
		}
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// LastUserText returns the most recent user message text, if any.
func LastUserText(turns []Turn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == protocol.RoleUser && turns[i].Output == nil {
			return turns[i].Text
		}
	}
	return ""
}

// EstimateTokens approximates a token count for backends that do not report
// usage: one token per four bytes of text, at least one per word.
func EstimateTokens(text string) int {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	byLen := (len(text) + 3) / 4
	words := len(strings.Fields(text))
	return max(byLen, words)
}

// EstimatePrompt approximates the input tokens of instructions plus turns.
func EstimatePrompt(instructions string, turns []Turn) int {
	n := EstimateTokens(instructions)
	for _, t := range turns {
		n += EstimateTokens(t.Text)
		if t.Call != nil {
			n += EstimateTokens(t.Call.Name + t.Call.Arguments)
		}
		if t.Output != nil {
			n += EstimateTokens(*t.Output)
		}
	}
	return n
}
