package testutil

import (
	"encoding/json"

	"github.com/lemoz/project-control-center-sub001/internal/store"
)

// MessageOption configures a seeded message.
type MessageOption func(*store.NewMessage)

// NeedsUserInput flags the message as blocking on the user.
func NeedsUserInput() MessageOption {
	return func(m *store.NewMessage) { m.NeedsUserInput = true }
}

// Actions attaches a suggested-actions payload to the message.
func Actions(raw json.RawMessage) MessageOption {
	return func(m *store.NewMessage) { m.Actions = raw }
}

// RunOption configures a seeded run.
type RunOption func(*runData)

// Model overrides the run's model.
func Model(model string) RunOption {
	return func(r *runData) { r.run.Model = model }
}

// Depth overrides the run's context depth.
func Depth(depth store.ContextDepth) RunOption {
	return func(r *runData) { r.run.ContextDepth = depth }
}

// Cwd sets the run's working directory.
func Cwd(cwd string) RunOption {
	return func(r *runData) { r.run.Cwd = cwd }
}

// Reply overrides the assistant message content recorded for a done run.
func Reply(content string) RunOption {
	return func(r *runData) { r.reply = content }
}

// FailureReason overrides the error recorded for a failed run.
func FailureReason(reason string) RunOption {
	return func(r *runData) { r.reason = reason }
}
