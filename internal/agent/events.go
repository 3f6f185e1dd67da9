package agent

import (
	"encoding/json"
)

// Event is a single parsed line from the agent's JSON event stream.
//
// Event types observed from the CLI:
//   - thread.started: carries thread_id
//   - item.started / item.completed: carries an item payload
//   - turn.completed: end of a successful turn
//   - turn.failed / error: carries an error message
type Event struct {
	Type     string      `json:"type"`
	ThreadID string      `json:"thread_id,omitempty"`
	Message  string      `json:"message,omitempty"`
	Error    *EventError `json:"error,omitempty"`
	Item     *Item       `json:"item,omitempty"`

	// Raw is the original line, preserved for audit and for item shapes
	// the typed struct does not model.
	Raw []byte `json:"-"`
}

// EventError is the error payload of turn.failed events.
type EventError struct {
	Message string `json:"message"`
}

// Item is the typed item payload of item.started/item.completed events.
type Item struct {
	ID               string `json:"id,omitempty"`
	Type             string `json:"item_type,omitempty"`
	Command          string `json:"command,omitempty"`
	AggregatedOutput string `json:"aggregated_output,omitempty"`
	ExitCode         *int   `json:"exit_code,omitempty"`
	Text             string `json:"text,omitempty"`
}

// UnmarshalJSON accepts both "item_type" and the older "type" key for the
// item discriminator.
func (i *Item) UnmarshalJSON(data []byte) error {
	type alias Item
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	if a.Type == "" {
		var compat struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &compat); err == nil {
			a.Type = compat.Type
		}
	}
	*i = Item(a)
	return nil
}

// ParseEvent decodes one stdout line into an Event. The returned event
// keeps its own copy of the line in Raw.
func ParseEvent(line []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return Event{}, err
	}
	ev.Raw = make([]byte, len(line))
	copy(ev.Raw, line)
	return ev, nil
}

// ErrorMessage returns the error text of a turn.failed or error event,
// preferring the nested error payload over the top-level message.
func (e Event) ErrorMessage() string {
	if e.Error != nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return e.Message
}

// shellToolNames are tool_invocation tools treated as shell executions.
var shellToolNames = map[string]bool{
	"shell_command": true,
	"shell":         true,
	"bash":          true,
	"sh":            true,
}

// ExtractCommand returns the shell command carried by an event, if any.
// It recognizes command_execution items and tool_invocation items whose
// tool is a shell (or that nest a shell_command field anywhere in the
// payload). Only item.started events are considered so each command is
// extracted once.
func ExtractCommand(ev Event) (string, bool) {
	if ev.Type != "item.started" || ev.Item == nil {
		return "", false
	}

	switch ev.Item.Type {
	case "command_execution":
		if ev.Item.Command != "" {
			return ev.Item.Command, true
		}
		return "", false
	case "tool_invocation":
		return commandFromToolInvocation(ev.Raw)
	}
	return "", false
}

// commandFromToolInvocation digs the shell command out of a raw
// tool_invocation item.
func commandFromToolInvocation(raw []byte) (string, bool) {
	var outer struct {
		Item map[string]any `json:"item"`
	}
	if err := json.Unmarshal(raw, &outer); err != nil || outer.Item == nil {
		return "", false
	}
	item := outer.Item

	if s, ok := item["shell_command"].(string); ok && s != "" {
		return s, true
	}

	name, _ := item["tool_name"].(string)
	if name == "" {
		name, _ = item["name"].(string)
	}
	if shellToolNames[name] {
		for _, key := range []string{"arguments", "args", "input"} {
			switch v := item[key].(type) {
			case string:
				if v != "" {
					return v, true
				}
			case map[string]any:
				if s, ok := v["command"].(string); ok && s != "" {
					return s, true
				}
			}
		}
	}

	// Fall back to a nested shell_command anywhere in the payload.
	if s, ok := findNestedShellCommand(item); ok {
		return s, true
	}
	return "", false
}

func findNestedShellCommand(node any) (string, bool) {
	switch v := node.(type) {
	case map[string]any:
		if s, ok := v["shell_command"].(string); ok && s != "" {
			return s, true
		}
		for _, child := range v {
			if s, ok := findNestedShellCommand(child); ok {
				return s, true
			}
		}
	case []any:
		for _, child := range v {
			if s, ok := findNestedShellCommand(child); ok {
				return s, true
			}
		}
	}
	return "", false
}
