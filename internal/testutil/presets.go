package testutil

import (
	"fmt"

	"github.com/lemoz/project-control-center-sub001/internal/store"
)

// WithConversation seeds turns alternating user/assistant message pairs
// on a thread.
func (b *Builder) WithConversation(threadID string, turns int) *Builder {
	for i := 1; i <= turns; i++ {
		b.WithMessage(threadID, store.RoleUser, fmt.Sprintf("question %d", i)).
			WithMessage(threadID, store.RoleAssistant, fmt.Sprintf("answer %d", i))
	}
	return b
}

// WithFinishedRun seeds a complete exchange: a user message, a done run,
// and the assistant reply the run produced.
func (b *Builder) WithFinishedRun(threadID, prompt, reply string) *Builder {
	return b.
		WithMessage(threadID, store.RoleUser, prompt).
		WithRun(threadID, store.RunDone, Reply(reply))
}
