// Package event defines AgentEvent, the unit of progress a run reports to
// the event bus, together with its typed payload variants.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the payload variant carried by an AgentEvent.
type Kind string

const (
	KindStatus     Kind = "status"
	KindToolCall   Kind = "tool_call"
	KindToolResult Kind = "tool_result"
	KindMessage    Kind = "message"
	KindFeature    Kind = "feature"
	KindCommit     Kind = "commit"
	KindTest       Kind = "test"
	KindError      Kind = "error"
	KindComplete   Kind = "complete"
)

// Payload is implemented by every event payload variant.
type Payload interface {
	Kind() Kind
}

// AgentEvent is a single immutable progress record of a run. Within a run,
// events are ordered by Step only.
type AgentEvent struct {
	RunID     string
	ProjectID string
	Step      int
	Payload   Payload
	Timestamp time.Time
}

// New builds an event stamped with now in UTC.
func New(runID, projectID string, step int, p Payload, now time.Time) AgentEvent {
	return AgentEvent{
		RunID:     runID,
		ProjectID: projectID,
		Step:      step,
		Payload:   p,
		Timestamp: now.UTC(),
	}
}

// Kind returns the kind of the event's payload.
func (e AgentEvent) Kind() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// wire is the JSON shape shared with browser clients.
type wire struct {
	Event     Kind            `json:"event"`
	RunID     string          `json:"runId"`
	ProjectID string          `json:"projectId"`
	Step      int             `json:"step"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// MarshalJSON implements json.Marshaler.
func (e AgentEvent) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("event %s/%d: missing payload", e.RunID, e.Step)
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Payload.Kind(), err)
	}
	return json.Marshal(wire{
		Event:     e.Payload.Kind(),
		RunID:     e.RunID,
		ProjectID: e.ProjectID,
		Step:      e.Step,
		Data:      data,
		Timestamp: e.Timestamp,
	})
}

// UnmarshalJSON implements json.Unmarshaler. Unknown kinds are rejected.
func (e *AgentEvent) UnmarshalJSON(b []byte) error {
	var w wire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	p, err := decodePayload(w.Event, w.Data)
	if err != nil {
		return err
	}
	*e = AgentEvent{
		RunID:     w.RunID,
		ProjectID: w.ProjectID,
		Step:      w.Step,
		Payload:   p,
		Timestamp: w.Timestamp,
	}
	return nil
}

func decodePayload(k Kind, data json.RawMessage) (Payload, error) {
	var p Payload
	switch k {
	case KindStatus:
		p = &Status{}
	case KindToolCall:
		p = &ToolCall{}
	case KindToolResult:
		p = &ToolResult{}
	case KindMessage:
		p = &Message{}
	case KindFeature:
		p = &Feature{}
	case KindCommit:
		p = &Commit{}
	case KindTest:
		p = &Test{}
	case KindError:
		p = &Error{}
	case KindComplete:
		p = &Complete{}
	default:
		return nil, fmt.Errorf("unknown event kind %q", k)
	}
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", k, err)
		}
	}
	return p, nil
}
