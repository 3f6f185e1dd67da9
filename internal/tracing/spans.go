package tracing

// Span names for the control plane's traced operations.
const (
	SpanRunTurn        = "run.turn"
	SpanAgentInvoke    = "agent.invoke"
	SpanWorktreeMerge  = "worktree.merge"
	SpanSummarizeChunk = "summarize.chunk"
)

// Attribute keys attached to those spans.
const (
	AttrRunID        = "run.id"
	AttrThreadID     = "thread.id"
	AttrThreadScope  = "thread.scope"
	AttrContextDepth = "run.context_depth"
	AttrSandbox      = "agent.sandbox"
	AttrModel        = "agent.model"
	AttrChunkFrom    = "summary.chunk_from"
	AttrChunkTo      = "summary.chunk_to"
	AttrErrorMessage = "error.message"
)
