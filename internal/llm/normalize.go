package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// toolCallSet collects tool calls keeping the first occurrence of each id.
type toolCallSet struct {
	calls []ToolCall
	seen  map[string]struct{}
}

func (s *toolCallSet) add(c ToolCall) {
	if c.Name == "" {
		return
	}
	if c.ID == "" {
		c.ID = fmt.Sprintf("call_%d", len(s.calls))
	}
	if s.seen == nil {
		s.seen = make(map[string]struct{})
	}
	if _, ok := s.seen[c.ID]; ok {
		return
	}
	s.seen[c.ID] = struct{}{}
	if len(c.Arguments) == 0 {
		c.Arguments = json.RawMessage("{}")
	}
	s.calls = append(s.calls, c)
}

// addOpenAIShape reads an OpenAI style entry: {id, function: {name, arguments}}.
// Arguments may be a JSON encoded string or an object.
func (s *toolCallSet) addOpenAIShape(v gjson.Result) {
	name := v.Get("function.name").String()
	args := v.Get("function.arguments")
	if name == "" {
		name = v.Get("name").String()
		args = v.Get("arguments")
		if !args.Exists() {
			args = v.Get("input")
		}
	}
	s.add(ToolCall{ID: v.Get("id").String(), Name: name, Arguments: rawArguments(args)})
}

func rawArguments(v gjson.Result) json.RawMessage {
	switch {
	case !v.Exists():
		return nil
	case v.Type == gjson.String:
		str := strings.TrimSpace(v.String())
		if str == "" || !gjson.Valid(str) {
			return nil
		}
		return json.RawMessage(str)
	default:
		return json.RawMessage(v.Raw)
	}
}

// contentBlocks handles content given as either a string or an array of
// typed blocks, appending tool_use blocks to calls.
func contentBlocks(content gjson.Result, calls *toolCallSet) (text, thinking string) {
	if !content.IsArray() {
		return content.String(), ""
	}
	var tb, th strings.Builder
	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text", "output_text", "":
			tb.WriteString(block.Get("text").String())
		case "thinking", "reasoning":
			t := block.Get("thinking")
			if !t.Exists() {
				t = block.Get("text")
			}
			th.WriteString(t.String())
		case "tool_use":
			calls.add(ToolCall{
				ID:        block.Get("id").String(),
				Name:      block.Get("name").String(),
				Arguments: rawArguments(block.Get("input")),
			})
		}
		return true
	})
	return tb.String(), th.String()
}
