package service

import (
	"strings"
	"unicode/utf8"

	"github.com/Strob0t/forgeline/internal/domain/event"
	"github.com/Strob0t/forgeline/internal/port/engine"
)

const (
	maxToolInput  = 200
	maxToolOutput = 500
)

// translate maps an engine action to the events it produces. It reports
// false for actions it does not know.
func translate(a engine.Action) ([]event.Payload, bool) {
	switch a.Kind {
	case engine.ActionMessage:
		return []event.Payload{&event.Message{Text: a.Text}}, true

	case engine.ActionToolCall:
		return []event.Payload{&event.ToolCall{
			CallID: a.CallID,
			Tool:   a.Tool,
			Input:  truncate(a.Input, maxToolInput),
		}}, true

	case engine.ActionToolResult:
		out := truncate(a.Output, maxToolOutput)
		res := &event.ToolResult{
			CallID:  a.CallID,
			Output:  out,
			Blocked: strings.Contains(strings.ToLower(a.Output), "blocked"),
			IsError: a.IsError,
		}
		if !a.IsError {
			return []event.Payload{res}, true
		}
		return []event.Payload{res, &event.Error{
			Message: "Tool execution failed",
			Type:    "tool_error",
			Output:  out,
		}}, true

	case engine.ActionError:
		return []event.Payload{&event.Error{Message: a.Text, Type: "agent_error"}}, true

	case engine.ActionFeature:
		if a.Feature == nil {
			return nil, false
		}
		f := *a.Feature
		return []event.Payload{&f}, true

	case engine.ActionCommit:
		if a.Commit == nil {
			return nil, false
		}
		c := *a.Commit
		return []event.Payload{&c}, true

	case engine.ActionTest:
		if a.Test == nil {
			return nil, false
		}
		t := *a.Test
		return []event.Payload{&t}, true
	}
	return nil, false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Cut on a rune boundary.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
