package agentengine

import "testing"

func TestPolicy_DenylistOverridesDefault(t *testing.T) {
	p := Policy{DeniedTools: []string{"shell_exec"}}
	if p.Allow(ToolContext{ToolName: "shell_exec"}) {
		t.Fatal("denied tool should not be allowed")
	}
	if !p.Allow(ToolContext{ToolName: "read_file"}) {
		t.Fatal("unlisted tool should default-allow with no allowlist configured")
	}
}

func TestPolicy_AllowlistExcludesUnlisted(t *testing.T) {
	p := Policy{AllowedTools: []string{"read_file", "search"}}
	if !p.Allow(ToolContext{ToolName: "read_file"}) {
		t.Fatal("allowlisted tool should be allowed")
	}
	if p.Allow(ToolContext{ToolName: "shell_exec"}) {
		t.Fatal("tool outside the allowlist should be denied")
	}
}

func TestPolicy_ChannelDenyTakesPrecedenceOverToolAllow(t *testing.T) {
	p := Policy{AllowedTools: []string{"read_file"}, DeniedChannels: []string{"public"}}
	if p.Allow(ToolContext{ToolName: "read_file", Channel: "public"}) {
		t.Fatal("denied channel should block even an allowlisted tool")
	}
	if !p.Allow(ToolContext{ToolName: "read_file", Channel: "private"}) {
		t.Fatal("non-denied channel with allowlisted tool should be allowed")
	}
}
