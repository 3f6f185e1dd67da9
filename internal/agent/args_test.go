package agent

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lemoz/project-control-center-sub001/internal/policy"
)

func TestBuildArgs_Full(t *testing.T) {
	inv := Invocation{
		CLIPath:          "/usr/bin/codex",
		Model:            "gpt-5",
		Sandbox:          policy.SandboxWorkspaceWrite,
		NetworkEnabled:   true,
		SchemaPath:       "/tmp/schema.json",
		LastMessagePath:  "/tmp/result.json",
		SkipGitRepoCheck: true,
	}

	require.Equal(t, []string{
		"--ask-for-approval", "never",
		"exec", "--json",
		"--model", "gpt-5",
		"--sandbox", "workspace-write",
		"--output-schema", "/tmp/schema.json",
		"--output-last-message", "/tmp/result.json",
		"--color", "never",
		"--skip-git-repo-check",
		"-c", "sandbox_workspace_write.network_access=true",
	}, BuildArgs(inv))
}

func TestBuildArgs_Minimal(t *testing.T) {
	inv := Invocation{
		Sandbox:         policy.SandboxReadOnly,
		SchemaPath:      "/tmp/schema.json",
		LastMessagePath: "/tmp/result.json",
	}

	require.Equal(t, []string{
		"--ask-for-approval", "never",
		"exec", "--json",
		"--sandbox", "read-only",
		"--output-schema", "/tmp/schema.json",
		"--output-last-message", "/tmp/result.json",
		"--color", "never",
	}, BuildArgs(inv))
}
