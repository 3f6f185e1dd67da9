package policy

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestValidate_ConsistencyRules(t *testing.T) {
	trusted := []string{"api.internal.example"}

	tests := []struct {
		name    string
		access  Access
		wantErr bool
	}{
		{
			name:   "default access is valid",
			access: DefaultAccess(),
		},
		{
			name:    "fs none with cli on is rejected",
			access:  Access{Filesystem: FSNone, CLI: CLIReadOnly, Network: NetNone},
			wantErr: true,
		},
		{
			name:    "cli read-write requires fs read-write",
			access:  Access{Filesystem: FSReadOnly, CLI: CLIReadWrite, Network: NetNone},
			wantErr: true,
		},
		{
			name:    "cli read-only with fs read-write is unenforceable",
			access:  Access{Filesystem: FSReadWrite, CLI: CLIReadOnly, Network: NetNone},
			wantErr: true,
		},
		{
			name:    "allowlist without hosts is rejected",
			access:  Access{Filesystem: FSReadOnly, CLI: CLIOff, Network: NetAllowlist},
			wantErr: true,
		},
		{
			name:   "allowlist with hosts is valid",
			access: Access{Filesystem: FSReadOnly, CLI: CLIOff, Network: NetAllowlist, NetworkAllowlist: []string{"example.com"}},
		},
		{
			name:   "trusted with configured pack is valid",
			access: Access{Filesystem: FSReadWrite, CLI: CLIReadWrite, Network: NetTrusted},
		},
		{
			name:    "unknown filesystem value is rejected",
			access:  Access{Filesystem: "rw", CLI: CLIOff, Network: NetNone},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.access.Validate(trusted)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestValidate_TrustedWithoutPack(t *testing.T) {
	a := Access{Filesystem: FSReadOnly, CLI: CLIOff, Network: NetTrusted}
	require.Error(t, a.Validate(nil))
}

func TestNormalize_Coercions(t *testing.T) {
	a, notes := Normalize(Access{Filesystem: FSNone, CLI: CLIReadWrite, Network: NetNone}, nil)
	// fs=none forces cli off before the read-write rule can raise fs.
	require.Equal(t, CLIOff, a.CLI)
	require.Equal(t, FSNone, a.Filesystem)
	require.NotEmpty(t, notes)

	a, notes = Normalize(Access{Filesystem: FSReadOnly, CLI: CLIReadWrite, Network: NetNone}, nil)
	require.Equal(t, FSReadWrite, a.Filesystem)
	require.Len(t, notes, 1)

	a, _ = Normalize(Access{Filesystem: FSReadWrite, CLI: CLIReadOnly, Network: NetNone}, nil)
	require.Equal(t, CLIReadWrite, a.CLI)

	a, notes = Normalize(Access{Filesystem: FSReadOnly, CLI: CLIOff, Network: NetAllowlist}, nil)
	require.Equal(t, NetNone, a.Network)
	require.Len(t, notes, 1)

	a, _ = Normalize(Access{Filesystem: FSReadOnly, CLI: CLIOff, Network: NetTrusted}, nil)
	require.Equal(t, NetNone, a.Network)
}

func TestSandboxMode(t *testing.T) {
	require.Equal(t, SandboxReadOnly, DefaultAccess().SandboxMode())
	require.Equal(t, SandboxWorkspaceWrite, Access{Filesystem: FSReadWrite, CLI: CLIOff}.SandboxMode())
	require.Equal(t, SandboxWorkspaceWrite, Access{Filesystem: FSReadWrite, CLI: CLIReadWrite}.SandboxMode())
}

func TestConfirmationRequirements(t *testing.T) {
	require.False(t, DefaultAccess().RequiresWriteConfirmation())
	require.True(t, Access{Filesystem: FSReadWrite}.RequiresWriteConfirmation())
	require.False(t, Access{Network: NetLocalhost}.RequiresNetworkConfirmation())
	require.True(t, Access{Network: NetAllowlist, NetworkAllowlist: []string{"x"}}.RequiresNetworkConfirmation())
	require.True(t, Access{Network: NetTrusted}.RequiresNetworkConfirmation())
}

// Normalize must be idempotent and always produce an access that passes
// Validate, for any input.
func TestNormalize_Properties(t *testing.T) {
	fsVals := []string{"none", "read-only", "read-write", "bogus", ""}
	cliVals := []string{"off", "read-only", "read-write", "bogus", ""}
	netVals := []string{"none", "localhost", "allowlist", "trusted", "bogus", ""}

	rapid.Check(t, func(t *rapid.T) {
		a := Access{
			Filesystem: FilesystemAccess(rapid.SampledFrom(fsVals).Draw(t, "fs")),
			CLI:        CLIAccess(rapid.SampledFrom(cliVals).Draw(t, "cli")),
			Network:    NetworkAccess(rapid.SampledFrom(netVals).Draw(t, "net")),
		}
		if rapid.Bool().Draw(t, "hasAllowlist") {
			a.NetworkAllowlist = []string{"example.com"}
		}
		trusted := []string{}
		if rapid.Bool().Draw(t, "hasTrusted") {
			trusted = []string{"api.internal.example"}
		}

		normalized, _ := Normalize(a, trusted)
		require.NoError(t, normalized.Validate(trusted))

		again, notes := Normalize(normalized, trusted)
		require.Equal(t, normalized, again)
		require.Empty(t, notes)
	})
}
