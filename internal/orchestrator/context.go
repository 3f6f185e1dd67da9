package orchestrator

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/lemoz/project-control-center-sub001/internal/actions"
	"github.com/lemoz/project-control-center-sub001/internal/policy"
	"github.com/lemoz/project-control-center-sub001/internal/store"
)

const (
	// contextMessages bounds the verbatim transcript carried by a turn.
	contextMessages = 50

	// blended context tiers: full detail, commands only, transcript.
	blendedFullRuns    = 5
	blendedCommandRuns = 10

	// promptLogTail bounds how much of a prior run's log enters the prompt.
	promptLogTail = 8 * 1024
)

// composePrompt renders the plain-text turn document: scope, access
// summary, rolling summary, assembled context, prior run outcomes, and
// the action catalog.
func (o *Orchestrator) composePrompt(thread *store.Thread, run *store.Run) (string, error) {
	var b strings.Builder

	b.WriteString("You are the portfolio control-plane assistant.\n")
	b.WriteString(scopeLine(thread))
	b.WriteString("\n")

	b.WriteString("## Access\n")
	b.WriteString(accessSummary(run.Access))
	b.WriteString("\n")

	if thread.Summary != "" {
		b.WriteString("## Conversation summary\n")
		b.WriteString(thread.Summary)
		b.WriteString("\n\n")
	}

	contextBlock, err := o.assembleContext(thread, run)
	if err != nil {
		return "", err
	}
	b.WriteString("## Context\n")
	b.WriteString(contextBlock)
	b.WriteString("\n")

	if wo := o.workOrderContext(thread); wo != "" {
		b.WriteString("## Work order\n")
		b.WriteString(wo)
		b.WriteString("\n")
	}

	if outcomes, err := o.runOutcomes(thread.ID); err == nil && outcomes != "" {
		b.WriteString("## Prior runs\n")
		b.WriteString(outcomes)
		b.WriteString("\n")
	}

	b.WriteString("## Actions\n")
	b.WriteString("You may propose actions from this catalog; each is inert until a human applies it.\n")
	b.WriteString(actions.Catalog())
	b.WriteString("\nRespond with JSON: {\"reply\": string, \"needs_user_input\": bool, \"actions\": [{\"type\": string, \"payload\": object}]}\n")
	return b.String(), nil
}

// assembleContext renders the history tier selected by the run's depth.
func (o *Orchestrator) assembleContext(thread *store.Thread, run *store.Run) (string, error) {
	switch run.ContextDepth {
	case store.DepthMinimal:
		msg, err := o.db.Messages().Get(run.UserMessageID)
		if err == nil && msg.Content != "" {
			return transcript([]*store.Message{msg}), nil
		}
		return o.messageTail(thread.ID)

	case store.DepthMessages:
		return o.messageTail(thread.ID)

	case store.DepthMessagesTools:
		base, err := o.messageTail(thread.ID)
		if err != nil {
			return "", err
		}
		return base + o.latestRunDetail(thread.ID, false), nil

	case store.DepthMessagesToolsOutput:
		base, err := o.messageTail(thread.ID)
		if err != nil {
			return "", err
		}
		return base + o.latestRunDetail(thread.ID, true), nil

	case store.DepthBlended:
		return o.blendedContext(thread.ID)

	default:
		return "", fmt.Errorf("unknown context depth %q", run.ContextDepth)
	}
}

func (o *Orchestrator) messageTail(threadID string) (string, error) {
	messages, err := o.db.Messages().Tail(threadID, contextMessages)
	if err != nil {
		return "", err
	}
	return transcript(messages), nil
}

// latestRunDetail renders the command audit of the most recent completed
// run, with its log tail when withOutput is set. Empty when the thread
// has no completed run.
func (o *Orchestrator) latestRunDetail(threadID string, withOutput bool) string {
	runs, err := o.db.Runs().ListByThread(threadID, store.RunDone)
	if err != nil || len(runs) == 0 {
		return ""
	}
	return o.runDetail(runs[0], withOutput)
}

// blendedContext layers run detail by recency: full command audits and log
// tails for the most recent runs, command audits only for the next band,
// and the plain transcript for everything else.
func (o *Orchestrator) blendedContext(threadID string) (string, error) {
	base, err := o.messageTail(threadID)
	if err != nil {
		return "", err
	}

	runs, err := o.db.Runs().ListByThread(threadID, store.RunDone, store.RunFailed)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(base)
	for i, r := range runs {
		switch {
		case i < blendedFullRuns:
			b.WriteString(o.runDetail(r, true))
		case i < blendedFullRuns+blendedCommandRuns:
			b.WriteString(o.runDetail(r, false))
		default:
			return b.String(), nil
		}
	}
	return b.String(), nil
}

// runDetail renders one prior run's command audit and, optionally, its
// log tail.
func (o *Orchestrator) runDetail(r *store.Run, withOutput bool) string {
	commands, err := o.db.Commands().List(r.ID)
	if err != nil {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "\nRun %d (%s):\n", r.ID, r.Status)
	if len(commands) == 0 {
		b.WriteString("  (no commands)\n")
	}
	for _, c := range commands {
		fmt.Fprintf(&b, "  $ %s\n", c.Command)
	}
	if withOutput && r.LogPath != "" {
		if tail := logTail(r.LogPath, promptLogTail); tail != "" {
			b.WriteString("Log tail:\n")
			b.WriteString(tail)
			if !strings.HasSuffix(tail, "\n") {
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}

// runOutcomes renders a one-line status per finished run, oldest last.
func (o *Orchestrator) runOutcomes(threadID string) (string, error) {
	runs, err := o.db.Runs().ListByThread(threadID, store.RunDone, store.RunFailed)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, r := range runs {
		if r.Error != "" {
			fmt.Fprintf(&b, "- run %d: %s (%s)\n", r.ID, r.Status, r.Error)
		} else {
			fmt.Fprintf(&b, "- run %d: %s\n", r.ID, r.Status)
		}
	}
	return b.String(), nil
}

// workOrderContext renders the work order a thread is rooted at, if any.
func (o *Orchestrator) workOrderContext(thread *store.Thread) string {
	if thread.WorkOrderID == "" {
		return ""
	}
	wo, err := o.db.WorkOrders().Get(thread.WorkOrderID)
	if err != nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)\n", wo.Title, wo.Status)
	if wo.Description != "" {
		b.WriteString(wo.Description)
		b.WriteString("\n")
	}
	return b.String()
}

// transcript renders messages as "[seq] role: content" lines.
func transcript(messages []*store.Message) string {
	var b strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&b, "[%d] %s: %s\n", m.Seq, m.Role, m.Content)
	}
	return b.String()
}

func scopeLine(thread *store.Thread) string {
	switch thread.Scope {
	case store.ScopeProject:
		return fmt.Sprintf("Scope: project %s\n", thread.ProjectID)
	case store.ScopeWorkOrder:
		return fmt.Sprintf("Scope: work order %s\n", thread.WorkOrderID)
	default:
		return "Scope: portfolio\n"
	}
}

// accessSummary renders the run's access triple for the prompt so the
// agent knows its limits before attempting commands.
func accessSummary(a policy.Access) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Filesystem: %s\nCLI: %s\nNetwork: %s\n", a.Filesystem, a.CLI, a.Network)
	if a.Network == policy.NetAllowlist && len(a.NetworkAllowlist) > 0 {
		fmt.Fprintf(&b, "Allowed hosts: %s\n", strings.Join(a.NetworkAllowlist, ", "))
	}
	return b.String()
}

// logTail reads up to n trailing bytes of a file, dropping a leading
// partial line. Empty on any read failure.
func logTail(path string, n int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}
	offset := info.Size() - n
	truncated := offset > 0
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return ""
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return ""
	}
	tail := string(data)
	if truncated {
		if idx := strings.IndexByte(tail, '\n'); idx >= 0 {
			tail = tail[idx+1:]
		}
	}
	return tail
}
