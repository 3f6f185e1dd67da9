// Package agent drives the external agent CLI as a headless subprocess:
// fixed argument schema, prompt on stdin, newline-delimited JSON events on
// stdout, and a structured last message written to a file on completion.
package agent

import (
	"time"

	"github.com/lemoz/project-control-center-sub001/internal/policy"
)

// Invocation describes a single agent subprocess call.
type Invocation struct {
	// CLIPath is the agent binary to execute.
	CLIPath string

	// Model selects the model; empty uses the CLI default.
	Model string

	// Sandbox is the sandbox flag passed to the CLI.
	Sandbox policy.SandboxMode

	// NetworkEnabled opens sandbox network access via the CLI config key.
	NetworkEnabled bool

	// SchemaPath is the JSON schema the final message must match.
	SchemaPath string

	// LastMessagePath is where the CLI writes the final message.
	LastMessagePath string

	// LogPath receives a verbatim mirror of stdout and stderr.
	LogPath string

	// WorkDir is the subprocess working directory.
	WorkDir string

	// Prompt is delivered on stdin, then stdin is closed.
	Prompt string

	// Timeout is the hard per-call deadline. Zero means no deadline.
	Timeout time.Duration

	// SkipGitRepoCheck disables the CLI's git repository requirement.
	SkipGitRepoCheck bool
}

// BuildArgs constructs the fixed argument vector for the agent CLI.
//
// Argument pattern:
//   - Approval: ["--ask-for-approval", "never"]
//   - Subcommand: ["exec", "--json"]
//   - Model: ["--model", "<model>"] when set
//   - Sandbox: ["--sandbox", "read-only"|"workspace-write"]
//   - Output contract: ["--output-schema", S, "--output-last-message", O]
//   - Color: ["--color", "never"]
//   - Repo check: ["--skip-git-repo-check"] when requested
//   - Network: ["-c", "sandbox_workspace_write.network_access=true"] when enabled
//
// The prompt is never an argument; it is written to stdin.
func BuildArgs(inv Invocation) []string {
	args := []string{"--ask-for-approval", "never", "exec", "--json"}

	if inv.Model != "" {
		args = append(args, "--model", inv.Model)
	}

	args = append(args,
		"--sandbox", string(inv.Sandbox),
		"--output-schema", inv.SchemaPath,
		"--output-last-message", inv.LastMessagePath,
		"--color", "never",
	)

	if inv.SkipGitRepoCheck {
		args = append(args, "--skip-git-repo-check")
	}

	if inv.NetworkEnabled {
		args = append(args, "-c", "sandbox_workspace_write.network_access=true")
	}

	return args
}
