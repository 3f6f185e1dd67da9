package agent

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseEvent(t *testing.T) {
	t.Run("thread started", func(t *testing.T) {
		ev, err := ParseEvent([]byte(`{"type":"thread.started","thread_id":"t-1"}`))
		require.NoError(t, err)
		require.Equal(t, "thread.started", ev.Type)
		require.Equal(t, "t-1", ev.ThreadID)
	})

	t.Run("turn failed", func(t *testing.T) {
		ev, err := ParseEvent([]byte(`{"type":"turn.failed","error":{"message":"boom"}}`))
		require.NoError(t, err)
		require.Equal(t, "boom", ev.ErrorMessage())
	})

	t.Run("top level message", func(t *testing.T) {
		ev, err := ParseEvent([]byte(`{"type":"error","message":"quota exceeded"}`))
		require.NoError(t, err)
		require.Equal(t, "quota exceeded", ev.ErrorMessage())
	})

	t.Run("item with item_type key", func(t *testing.T) {
		ev, err := ParseEvent([]byte(`{"type":"item.started","item":{"item_type":"command_execution","command":"ls"}}`))
		require.NoError(t, err)
		require.Equal(t, "command_execution", ev.Item.Type)
		require.Equal(t, "ls", ev.Item.Command)
	})

	t.Run("item with legacy type key", func(t *testing.T) {
		ev, err := ParseEvent([]byte(`{"type":"item.started","item":{"type":"command_execution","command":"ls"}}`))
		require.NoError(t, err)
		require.Equal(t, "command_execution", ev.Item.Type)
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := ParseEvent([]byte(`not json`))
		require.Error(t, err)
	})

	t.Run("raw preserved", func(t *testing.T) {
		line := []byte(`{"type":"turn.completed"}`)
		ev, err := ParseEvent(line)
		require.NoError(t, err)
		line[2] = 'X'
		require.Equal(t, `{"type":"turn.completed"}`, string(ev.Raw))
	})
}

func TestExtractCommand(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		want   string
		wantOK bool
	}{
		{
			name:   "command execution",
			line:   `{"type":"item.started","item":{"type":"command_execution","command":"git status"}}`,
			want:   "git status",
			wantOK: true,
		},
		{
			name:   "item completed ignored",
			line:   `{"type":"item.completed","item":{"type":"command_execution","command":"git status","exit_code":0}}`,
			wantOK: false,
		},
		{
			name:   "tool invocation shell_command field",
			line:   `{"type":"item.started","item":{"type":"tool_invocation","shell_command":"rm -rf build"}}`,
			want:   "rm -rf build",
			wantOK: true,
		},
		{
			name:   "tool invocation named shell",
			line:   `{"type":"item.started","item":{"type":"tool_invocation","tool_name":"shell","arguments":{"command":"make test"}}}`,
			want:   "make test",
			wantOK: true,
		},
		{
			name:   "tool invocation named bash with string args",
			line:   `{"type":"item.started","item":{"type":"tool_invocation","name":"bash","input":"echo hi"}}`,
			want:   "echo hi",
			wantOK: true,
		},
		{
			name:   "nested shell_command",
			line:   `{"type":"item.started","item":{"type":"tool_invocation","tool_name":"custom","payload":{"inner":{"shell_command":"curl example.com"}}}}`,
			want:   "curl example.com",
			wantOK: true,
		},
		{
			name:   "non-shell tool",
			line:   `{"type":"item.started","item":{"type":"tool_invocation","tool_name":"web_search","arguments":{"query":"go"}}}`,
			wantOK: false,
		},
		{
			name:   "agent message",
			line:   `{"type":"item.completed","item":{"type":"agent_message","text":"done"}}`,
			wantOK: false,
		},
		{
			name:   "no item",
			line:   `{"type":"turn.completed"}`,
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseEvent([]byte(tt.line))
			require.NoError(t, err)
			got, ok := ExtractCommand(ev)
			require.Equal(t, tt.wantOK, ok)
			require.Equal(t, tt.want, got)
		})
	}
}
