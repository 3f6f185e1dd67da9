// Package policy implements the three-axis access model for agent runs:
// filesystem, CLI, and network permissions, plus runtime inspection of
// shell commands the agent proposes.
package policy

import (
	"fmt"
)

// FilesystemAccess controls what the agent may do to files.
type FilesystemAccess string

const (
	FSNone      FilesystemAccess = "none"
	FSReadOnly  FilesystemAccess = "read-only"
	FSReadWrite FilesystemAccess = "read-write"
)

// CLIAccess controls whether the agent may execute shell commands.
type CLIAccess string

const (
	CLIOff       CLIAccess = "off"
	CLIReadOnly  CLIAccess = "read-only"
	CLIReadWrite CLIAccess = "read-write"
)

// NetworkAccess controls which hosts the agent may reach.
type NetworkAccess string

const (
	NetNone      NetworkAccess = "none"
	NetLocalhost NetworkAccess = "localhost"
	NetAllowlist NetworkAccess = "allowlist"
	NetTrusted   NetworkAccess = "trusted"
)

// SandboxMode is the sandbox flag handed to the agent CLI.
type SandboxMode string

const (
	SandboxReadOnly       SandboxMode = "read-only"
	SandboxWorkspaceWrite SandboxMode = "workspace-write"
)

// Access is the permission vector attached to threads, runs, and
// pending sends.
type Access struct {
	Filesystem       FilesystemAccess `json:"filesystem"`
	CLI              CLIAccess        `json:"cli"`
	Network          NetworkAccess    `json:"network"`
	NetworkAllowlist []string         `json:"network_allowlist,omitempty"`
}

// DefaultAccess is the access granted to a thread with no explicit settings.
func DefaultAccess() Access {
	return Access{
		Filesystem: FSReadOnly,
		CLI:        CLIOff,
		Network:    NetNone,
	}
}

// Equal reports whether two access triples are identical, allowlist
// order included.
func (a Access) Equal(b Access) bool {
	if a.Filesystem != b.Filesystem || a.CLI != b.CLI || a.Network != b.Network {
		return false
	}
	if len(a.NetworkAllowlist) != len(b.NetworkAllowlist) {
		return false
	}
	for i := range a.NetworkAllowlist {
		if a.NetworkAllowlist[i] != b.NetworkAllowlist[i] {
			return false
		}
	}
	return true
}

// Validate checks the consistency rules and rejects violations.
// trustedHosts is the server-configured trusted host pack.
func (a Access) Validate(trustedHosts []string) error {
	if err := a.checkKnownValues(); err != nil {
		return err
	}
	if a.Filesystem == FSNone && a.CLI != CLIOff {
		return fmt.Errorf("cli access requires filesystem access")
	}
	if a.CLI == CLIReadWrite && a.Filesystem != FSReadWrite {
		return fmt.Errorf("cli=read-write requires filesystem=read-write")
	}
	if a.CLI == CLIReadOnly && a.Filesystem == FSReadWrite {
		return fmt.Errorf("cli=read-only with filesystem=read-write is unenforceable")
	}
	if a.Network == NetAllowlist && len(a.NetworkAllowlist) == 0 {
		return fmt.Errorf("network=allowlist requires a non-empty allowlist")
	}
	if a.Network == NetTrusted && len(trustedHosts) == 0 {
		return fmt.Errorf("network=trusted requires a configured trusted host pack")
	}
	return nil
}

func (a Access) checkKnownValues() error {
	switch a.Filesystem {
	case FSNone, FSReadOnly, FSReadWrite:
	default:
		return fmt.Errorf("unknown filesystem access %q", a.Filesystem)
	}
	switch a.CLI {
	case CLIOff, CLIReadOnly, CLIReadWrite:
	default:
		return fmt.Errorf("unknown cli access %q", a.CLI)
	}
	switch a.Network {
	case NetNone, NetLocalhost, NetAllowlist, NetTrusted:
	default:
		return fmt.Errorf("unknown network access %q", a.Network)
	}
	return nil
}

// Normalize coerces an access triple into a consistent one, returning the
// result and human-readable notes for each coercion applied. Used to
// sanitize advisor suggestions where rejection is not an option.
func Normalize(a Access, trustedHosts []string) (Access, []string) {
	var notes []string

	switch a.Filesystem {
	case FSNone, FSReadOnly, FSReadWrite:
	default:
		notes = append(notes, fmt.Sprintf("unknown filesystem access %q coerced to read-only", a.Filesystem))
		a.Filesystem = FSReadOnly
	}
	switch a.CLI {
	case CLIOff, CLIReadOnly, CLIReadWrite:
	default:
		notes = append(notes, fmt.Sprintf("unknown cli access %q coerced to off", a.CLI))
		a.CLI = CLIOff
	}
	switch a.Network {
	case NetNone, NetLocalhost, NetAllowlist, NetTrusted:
	default:
		notes = append(notes, fmt.Sprintf("unknown network access %q coerced to none", a.Network))
		a.Network = NetNone
	}

	if a.Filesystem == FSNone && a.CLI != CLIOff {
		notes = append(notes, "cli disabled because filesystem access is none")
		a.CLI = CLIOff
	}
	if a.CLI == CLIReadWrite && a.Filesystem != FSReadWrite {
		notes = append(notes, "filesystem raised to read-write to match cli=read-write")
		a.Filesystem = FSReadWrite
	}
	if a.CLI == CLIReadOnly && a.Filesystem == FSReadWrite {
		notes = append(notes, "cli raised to read-write; read-only cli with a writable filesystem is unenforceable")
		a.CLI = CLIReadWrite
	}
	if a.Network == NetAllowlist && len(a.NetworkAllowlist) == 0 {
		notes = append(notes, "network downgraded to none; allowlist is empty")
		a.Network = NetNone
	}
	if a.Network == NetTrusted && len(trustedHosts) == 0 {
		notes = append(notes, "network downgraded to none; no trusted host pack is configured")
		a.Network = NetNone
	}
	return a, notes
}

// SandboxMode derives the sandbox flag for the agent driver.
func (a Access) SandboxMode() SandboxMode {
	if a.Filesystem == FSReadWrite || a.CLI == CLIReadWrite {
		return SandboxWorkspaceWrite
	}
	return SandboxReadOnly
}

// RequiresWriteConfirmation reports whether submitting with this access
// needs an explicit write confirmation from the user.
func (a Access) RequiresWriteConfirmation() bool {
	return a.Filesystem == FSReadWrite || a.CLI == CLIReadWrite
}

// RequiresNetworkConfirmation reports whether submitting with this access
// needs an explicit network confirmation. Loopback-only access is trivial
// and does not require one.
func (a Access) RequiresNetworkConfirmation() bool {
	return a.Network == NetAllowlist || a.Network == NetTrusted
}

// NetworkEnabled reports whether the agent sandbox should allow any
// outbound network at all.
func (a Access) NetworkEnabled() bool {
	return a.Network != NetNone
}
