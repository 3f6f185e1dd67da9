// Package gate is the submission boundary for user messages. Messages
// whose access needs a confirmation the request did not carry are parked
// as pending sends; confirmed submissions enqueue a run and resolve any
// matching parked copies.
package gate

import (
	"fmt"

	"github.com/lemoz/project-control-center-sub001/internal/bus"
	"github.com/lemoz/project-control-center-sub001/internal/log"
	"github.com/lemoz/project-control-center-sub001/internal/policy"
	"github.com/lemoz/project-control-center-sub001/internal/store"
)

// Requires names the confirmations a submission is missing.
type Requires struct {
	Write            bool `json:"write"`
	NetworkAllowlist bool `json:"network_allowlist"`
}

// Any reports whether at least one confirmation is missing.
func (r Requires) Any() bool {
	return r.Write || r.NetworkAllowlist
}

// Submission is one user message with its execution settings.
type Submission struct {
	ThreadID     string
	Content      string
	ContextDepth store.ContextDepth
	Access       policy.Access

	// Explicit user grants carried on the request.
	ConfirmWrite   bool
	ConfirmNetwork bool

	// Model overrides the configured default when set.
	Model string
}

// Result is the outcome of a submission: exactly one of Run and Pending
// is set.
type Result struct {
	// Run and Message are set when the submission was enqueued.
	Run     *store.Run
	Message *store.Message

	// Pending and Requires are set when the submission was parked.
	Pending  *store.PendingSend
	Requires Requires

	// ResolvedPendings counts earlier parked copies resolved by this
	// confirmed submission.
	ResolvedPendings int
}

// Enqueued reports whether the submission produced a queued run.
func (r *Result) Enqueued() bool {
	return r.Run != nil
}

// Gate validates and routes submissions.
type Gate struct {
	db           *store.DB
	bus          *bus.Bus
	trustedHosts []string
	model        string
	cliPath      string
}

// New creates a Gate. b may be nil when no event fan-out is wanted.
func New(db *store.DB, b *bus.Bus, trustedHosts []string, defaultModel, cliPath string) *Gate {
	return &Gate{
		db:           db,
		bus:          b,
		trustedHosts: trustedHosts,
		model:        defaultModel,
		cliPath:      cliPath,
	}
}

// Submit validates the submission against the thread, then either parks
// it as a pending send or persists the user message and enqueues a run.
func (g *Gate) Submit(sub Submission) (*Result, error) {
	if sub.Content == "" {
		return nil, fmt.Errorf("message content is empty")
	}
	if !store.ValidDepth(sub.ContextDepth) {
		return nil, fmt.Errorf("unknown context depth %q", sub.ContextDepth)
	}
	if err := sub.Access.Validate(g.trustedHosts); err != nil {
		return nil, err
	}

	thread, err := g.db.Threads().Get(sub.ThreadID)
	if err != nil {
		return nil, err
	}
	if thread.Archived {
		return nil, fmt.Errorf("thread %s is archived", thread.ID)
	}

	missing := Requires{
		Write:            sub.Access.RequiresWriteConfirmation() && !sub.ConfirmWrite,
		NetworkAllowlist: sub.Access.RequiresNetworkConfirmation() && !sub.ConfirmNetwork,
	}
	if missing.Any() {
		pending, err := g.db.PendingSends().Create(
			sub.ThreadID, sub.Content, sub.ContextDepth, sub.Access,
			missing.Write, missing.NetworkAllowlist,
		)
		if err != nil {
			return nil, err
		}
		log.Info(log.CatChat, "message parked for approval",
			"thread", sub.ThreadID,
			"pending", pending.ID,
			"requires_write", missing.Write,
			"requires_network", missing.NetworkAllowlist,
		)
		g.notifyAttention(sub.ThreadID)
		return &Result{Pending: pending, Requires: missing}, nil
	}

	// A confirmed send auto-resolves earlier identical parked copies.
	resolved, err := g.db.PendingSends().ResolveMatching(sub.ThreadID, sub.Content, sub.ContextDepth, sub.Access)
	if err != nil {
		return nil, err
	}

	// The submitted settings become the thread's current settings.
	if _, err := g.db.Threads().Patch(sub.ThreadID, store.ThreadPatch{
		Access:       &sub.Access,
		ContextDepth: &sub.ContextDepth,
	}); err != nil {
		return nil, err
	}

	msg, err := g.db.Messages().Insert(store.NewMessage{
		ThreadID: sub.ThreadID,
		Role:     store.RoleUser,
		Content:  sub.Content,
	})
	if err != nil {
		return nil, err
	}

	model := sub.Model
	if model == "" {
		model = g.model
	}
	run, err := g.db.Runs().Create(store.NewRun{
		ThreadID:      sub.ThreadID,
		UserMessageID: msg.ID,
		Model:         model,
		CLIPath:       g.cliPath,
		ContextDepth:  sub.ContextDepth,
		Access:        sub.Access,
	})
	if err != nil {
		return nil, err
	}

	log.Info(log.CatChat, "message enqueued",
		"thread", sub.ThreadID,
		"message", msg.ID,
		"run", run.ID,
		"resolved_pendings", resolved,
	)

	if g.bus != nil {
		g.bus.MessageNew(sub.ThreadID, msg)
		g.bus.RunStatus(sub.ThreadID, run.ID, string(run.Status))
	}
	g.notifyAttention(sub.ThreadID)

	return &Result{Run: run, Message: msg, ResolvedPendings: resolved}, nil
}

// Cancel cancels a parked submission.
func (g *Gate) Cancel(pendingID string) error {
	pending, err := g.db.PendingSends().Get(pendingID)
	if err != nil {
		return err
	}
	if err := g.db.PendingSends().Cancel(pendingID); err != nil {
		return err
	}
	log.Info(log.CatChat, "pending send cancelled", "thread", pending.ThreadID, "pending", pendingID)
	g.notifyAttention(pending.ThreadID)
	return nil
}

// notifyAttention recomputes and publishes the thread's attention state.
func (g *Gate) notifyAttention(threadID string) {
	if g.bus == nil {
		return
	}
	open, err := g.db.PendingSends().ListOpen(threadID)
	if err != nil {
		log.ErrorErr(log.CatChat, "failed to list open pending sends", err, "thread", threadID)
		return
	}
	g.bus.AttentionUpdated(threadID, map[string]any{
		"pending_sends": len(open),
	})
}
