// Package orchestrator executes one run turn inside a worker process:
// claim, context assembly, agent invocation with live policy enforcement,
// response validation, persistence, and chaining of the next queued run.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lemoz/project-control-center-sub001/internal/actions"
	"github.com/lemoz/project-control-center-sub001/internal/agent"
	"github.com/lemoz/project-control-center-sub001/internal/bus"
	"github.com/lemoz/project-control-center-sub001/internal/config"
	"github.com/lemoz/project-control-center-sub001/internal/git"
	"github.com/lemoz/project-control-center-sub001/internal/log"
	"github.com/lemoz/project-control-center-sub001/internal/paths"
	"github.com/lemoz/project-control-center-sub001/internal/policy"
	"github.com/lemoz/project-control-center-sub001/internal/store"
	"github.com/lemoz/project-control-center-sub001/internal/tracing"
	"github.com/lemoz/project-control-center-sub001/internal/worktree"
)

// Invoker runs one agent call with live event delivery. Swappable in tests.
type Invoker func(ctx context.Context, inv agent.Invocation, onEvent agent.EventFunc) ([]byte, error)

// Summarizer folds due chunks into the thread summary. Failures are
// tolerated by the turn.
type Summarizer interface {
	Summarize(ctx context.Context, threadID string) (int, error)
}

// Orchestrator drives one turn per worker process.
type Orchestrator struct {
	db         *store.DB
	portfolio  paths.Portfolio
	cfg        config.AgentConfig
	worktrees  *worktree.Manager
	summarizer Summarizer
	bus        *bus.Bus
	tracer     trace.Tracer
	invoke     Invoker

	// chain spawns a worker for the next queued run. nil disables chaining.
	chain func(runID int64) error
}

// New creates an Orchestrator. summarizer, b, tracer, invoke, and chain may
// each be nil: summarization is skipped, events are not published, spans
// are no-ops, the real agent driver is used, and no chaining happens.
func New(
	db *store.DB,
	portfolio paths.Portfolio,
	cfg config.AgentConfig,
	worktrees *worktree.Manager,
	summarizer Summarizer,
	b *bus.Bus,
	tracer trace.Tracer,
	invoke Invoker,
	chain func(runID int64) error,
) *Orchestrator {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("noop")
	}
	if invoke == nil {
		invoke = agent.Invoke
	}
	return &Orchestrator{
		db:         db,
		portfolio:  portfolio,
		cfg:        cfg,
		worktrees:  worktrees,
		summarizer: summarizer,
		bus:        b,
		tracer:     tracer,
		invoke:     invoke,
		chain:      chain,
	}
}

// finalMessage is the validated shape of the agent's last message.
type finalMessage struct {
	Reply          string           `json:"reply"`
	NeedsUserInput bool             `json:"needs_user_input"`
	Actions        []actions.Action `json:"actions"`
}

// Turn executes one run end to end. A lost claim is not an error: another
// worker owns the run, or it is already terminal. Whatever the outcome,
// the next queued run of the thread is chained before returning.
func (o *Orchestrator) Turn(ctx context.Context, runID int64) error {
	run, err := o.db.Runs().Get(runID)
	if err != nil {
		return err
	}

	claimed, err := o.db.Runs().Claim(runID)
	if err != nil {
		return err
	}
	if !claimed {
		log.Debug(log.CatSched, "claim lost", "run", runID)
		return nil
	}
	defer o.chainNext(run.ThreadID)

	ctx, span := o.tracer.Start(ctx, tracing.SpanRunTurn, trace.WithAttributes(
		attribute.Int64(tracing.AttrRunID, runID),
		attribute.String(tracing.AttrThreadID, run.ThreadID),
		attribute.String(tracing.AttrContextDepth, string(run.ContextDepth)),
	))
	defer span.End()

	thread, err := o.db.Threads().Get(run.ThreadID)
	if err != nil {
		o.failTurn(thread, run, err)
		span.SetStatus(codes.Error, err.Error())
		return nil
	}

	if o.bus != nil {
		o.bus.RunStatus(thread.ID, run.ID, string(store.RunRunning))
	}

	if o.summarizer != nil {
		if _, err := o.summarizer.Summarize(ctx, thread.ID); err != nil {
			log.Warn(log.CatChat, "summarization skipped", "thread", thread.ID, "error", err.Error())
		}
	}

	cwd, inWorktree, err := o.ensureWorkdir(thread, run)
	if err != nil {
		o.failTurn(thread, run, err)
		span.SetStatus(codes.Error, err.Error())
		return nil
	}

	// Re-read the thread: summarization and worktree setup update it.
	thread, err = o.db.Threads().Get(run.ThreadID)
	if err != nil {
		o.failTurn(thread, run, err)
		span.SetStatus(codes.Error, err.Error())
		return nil
	}

	final, err := o.runAgent(ctx, thread, run, cwd, inWorktree)
	if err != nil {
		o.failTurn(thread, run, err)
		span.SetStatus(codes.Error, err.Error())
		return nil
	}

	acts, err := o.reconcileWorktree(thread, final.Actions)
	if err != nil {
		o.failTurn(thread, run, err)
		span.SetStatus(codes.Error, err.Error())
		return nil
	}

	msg, err := o.db.Messages().Insert(store.NewMessage{
		ThreadID:       thread.ID,
		Role:           store.RoleAssistant,
		Content:        final.Reply,
		Actions:        marshalActions(acts),
		NeedsUserInput: final.NeedsUserInput,
		RunID:          &run.ID,
	})
	if err != nil {
		o.failTurn(thread, run, err)
		span.SetStatus(codes.Error, err.Error())
		return nil
	}
	if err := o.db.Runs().MarkDone(run.ID, msg.ID); err != nil {
		log.ErrorErr(log.CatChat, "failed to mark run done", err, "run", run.ID)
		return nil
	}

	if o.bus != nil {
		o.bus.MessageNew(thread.ID, msg)
		o.bus.RunStatus(thread.ID, run.ID, string(store.RunDone))
	}
	log.Info(log.CatChat, "turn completed", "run", run.ID, "thread", thread.ID, "actions", len(acts))
	return nil
}

// ensureWorkdir resolves the turn's working directory, creating the
// thread's worktree when the run may write or one already exists. A root
// that is not a git repository falls back to running in place.
func (o *Orchestrator) ensureWorkdir(thread *store.Thread, run *store.Run) (cwd string, inWorktree bool, err error) {
	repoPath, err := o.repoPath(thread)
	if err != nil {
		return "", false, err
	}

	wantsWorktree := run.Access.SandboxMode() == policy.SandboxWorkspaceWrite || thread.WorktreePath != ""
	if !wantsWorktree {
		return o.recordCwd(run, repoPath, false)
	}

	info, err := o.worktrees.Ensure(repoPath, thread.ID, thread.WorktreePath)
	if err != nil {
		if errors.Is(err, git.ErrNotGitRepo) {
			log.Warn(log.CatWorktree, "not a git repository; running in place", "thread", thread.ID, "path", repoPath)
			return o.recordCwd(run, repoPath, false)
		}
		return "", false, err
	}
	if thread.WorktreePath != info.Path {
		if err := o.db.Threads().SetWorktree(thread.ID, info.Path); err != nil {
			return "", false, err
		}
	}
	return o.recordCwd(run, info.Path, true)
}

func (o *Orchestrator) recordCwd(run *store.Run, cwd string, inWorktree bool) (string, bool, error) {
	if run.Cwd != cwd {
		if err := o.db.Runs().SetCwd(run.ID, cwd); err != nil {
			return "", false, err
		}
	}
	return cwd, inWorktree, nil
}

// repoPath resolves the repository root the thread's scope points at.
func (o *Orchestrator) repoPath(thread *store.Thread) (string, error) {
	switch thread.Scope {
	case store.ScopeProject:
		project, err := o.db.Projects().Get(thread.ProjectID)
		if err != nil {
			return "", err
		}
		return project.Path, nil
	case store.ScopeWorkOrder:
		wo, err := o.db.WorkOrders().Get(thread.WorkOrderID)
		if err != nil {
			return "", err
		}
		project, err := o.db.Projects().Get(wo.ProjectID)
		if err != nil {
			return "", err
		}
		return project.Path, nil
	default:
		return o.portfolio.Root(), nil
	}
}

// runAgent writes the response schema, invokes the driver with live
// command auditing and policy enforcement, and validates the final
// message.
func (o *Orchestrator) runAgent(ctx context.Context, thread *store.Thread, run *store.Run, cwd string, inWorktree bool) (*finalMessage, error) {
	runDir := o.portfolio.RunDir(run.ID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}
	schemaPath := o.portfolio.RunSchemaPath(run.ID)
	if err := os.WriteFile(schemaPath, actions.ResponseSchema(), 0644); err != nil {
		return nil, fmt.Errorf("failed to write response schema: %w", err)
	}
	logPath := o.portfolio.RunLogPath(run.ID)
	if err := o.db.Runs().SetLogPath(run.ID, logPath); err != nil {
		return nil, err
	}

	prompt, err := o.composePrompt(thread, run)
	if err != nil {
		return nil, err
	}

	inv := agent.Invocation{
		CLIPath:          run.CLIPath,
		Model:            run.Model,
		Sandbox:          run.Access.SandboxMode(),
		NetworkEnabled:   run.Access.NetworkEnabled(),
		SchemaPath:       schemaPath,
		LastMessagePath:  o.portfolio.RunResultPath(run.ID),
		LogPath:          logPath,
		WorkDir:          cwd,
		Prompt:           prompt,
		Timeout:          o.cfg.Timeout(),
		SkipGitRepoCheck: !inWorktree,
	}

	onEvent := func(ev agent.Event, h *agent.Handle) {
		command, ok := agent.ExtractCommand(ev)
		if !ok {
			return
		}
		if _, err := o.db.Commands().Insert(run.ID, cwd, command); err != nil {
			log.ErrorErr(log.CatChat, "failed to record command", err, "run", run.ID)
		}
		if run.Access.CLI == policy.CLIOff {
			h.Abort("CLI access is disabled")
			return
		}
		if denial := policy.Enforce(command, run.Access, o.cfg.TrustedHosts); denial != nil {
			log.Warn(log.CatPolicy, "command denied", "run", run.ID, "host", denial.Host, "reason", denial.Reason)
			h.Abort(denial.Reason)
		}
	}

	ctx, span := o.tracer.Start(ctx, tracing.SpanAgentInvoke, trace.WithAttributes(
		attribute.String(tracing.AttrSandbox, string(inv.Sandbox)),
		attribute.String(tracing.AttrModel, inv.Model),
	))
	result, err := o.invoke(ctx, inv, onEvent)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}
	span.End()

	if err := actions.ValidateResponse(result); err != nil {
		return nil, err
	}
	var final finalMessage
	if err := json.Unmarshal(result, &final); err != nil {
		return nil, fmt.Errorf("failed to decode final message: %w", err)
	}
	return &final, nil
}

// reconcileWorktree refreshes the thread's pending-change flag and appends
// a synthetic worktree_merge action when changes exist and the agent did
// not propose one.
func (o *Orchestrator) reconcileWorktree(thread *store.Thread, acts []actions.Action) ([]actions.Action, error) {
	if thread.WorktreePath == "" {
		return acts, nil
	}
	status, err := o.worktrees.Status(thread.WorktreePath)
	if err != nil {
		return nil, err
	}
	if err := o.db.Threads().SetPendingChanges(thread.ID, status.HasPendingChanges); err != nil {
		return nil, err
	}
	if status.HasPendingChanges && !hasMergeAction(acts) {
		acts = append(acts, mergeAction(thread.ID))
	}
	return acts, nil
}

// failTurn persists the failure as a synthetic assistant message and marks
// the run failed. Best-effort: persistence failures are logged, never
// propagated, so the chain deferral still runs.
func (o *Orchestrator) failTurn(thread *store.Thread, run *store.Run, cause error) {
	reason := cause.Error()
	log.ErrorErr(log.CatChat, "turn failed", cause, "run", run.ID, "thread", run.ThreadID)

	var acts []actions.Action
	if thread != nil && thread.WorktreePath != "" {
		if status, err := o.worktrees.Status(thread.WorktreePath); err == nil && status.HasPendingChanges {
			acts = append(acts, mergeAction(thread.ID))
			if err := o.db.Threads().SetPendingChanges(thread.ID, true); err != nil {
				log.ErrorErr(log.CatChat, "failed to record pending changes", err, "thread", thread.ID)
			}
		}
	}

	if _, err := o.db.Messages().Insert(store.NewMessage{
		ThreadID: run.ThreadID,
		Role:     store.RoleAssistant,
		Content:  "Chat run failed: " + reason,
		Actions:  marshalActions(acts),
		RunID:    &run.ID,
	}); err != nil {
		log.ErrorErr(log.CatChat, "failed to persist failure message", err, "run", run.ID)
	}
	if err := o.db.Runs().MarkFailed(run.ID, reason); err != nil {
		log.ErrorErr(log.CatChat, "failed to mark run failed", err, "run", run.ID)
	}
	if o.bus != nil {
		o.bus.MessageNew(run.ThreadID, map[string]string{"content": "Chat run failed: " + reason})
		o.bus.RunStatus(run.ThreadID, run.ID, string(store.RunFailed))
	}
}

// chainNext spawns a worker for the thread's next queued run, if any.
func (o *Orchestrator) chainNext(threadID string) {
	if o.chain == nil {
		return
	}
	nextID, err := o.db.Runs().NextQueuedID(threadID)
	if err != nil {
		log.ErrorErr(log.CatSched, "failed to look up next queued run", err, "thread", threadID)
		return
	}
	if nextID == 0 {
		return
	}
	if err := o.chain(nextID); err != nil {
		log.ErrorErr(log.CatSched, "failed to chain next run", err, "run", nextID)
	}
}

func hasMergeAction(acts []actions.Action) bool {
	for _, a := range acts {
		if a.Type == actions.TypeWorktreeMerge {
			return true
		}
	}
	return false
}

func mergeAction(threadID string) actions.Action {
	payload, _ := json.Marshal(map[string]string{"thread_id": threadID})
	return actions.Action{Type: actions.TypeWorktreeMerge, Payload: payload}
}

func marshalActions(acts []actions.Action) json.RawMessage {
	if len(acts) == 0 {
		return nil
	}
	data, err := json.Marshal(acts)
	if err != nil {
		log.ErrorErr(log.CatChat, "failed to marshal actions", err)
		return nil
	}
	return data
}
