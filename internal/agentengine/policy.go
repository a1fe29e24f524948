package agentengine

import (
	"github.com/adamtash/ant-sub002/internal/audit"
)

// Policy gates which tools a turn may invoke, generalizing the reference
// project's capability-gated tool registration to groups/tools/channels/
// models/audiences.
type Policy struct {
	Version        string
	AllowedGroups  []string
	DeniedGroups   []string
	AllowedTools   []string
	DeniedTools    []string
	AllowedChannels []string
	DeniedChannels []string
	AllowedModels  []string
	DeniedModels   []string
}

// ToolContext describes the call site a tool invocation is being evaluated for.
type ToolContext struct {
	ToolName string
	Group    string
	Channel  string
	Model    string
}

// Allow reports whether tc is permitted under p, recording the decision to
// the audit trail exactly as the reference project's capability gate does.
func (p Policy) Allow(tc ToolContext) bool {
	decision := "allow"
	reason := "default_allow"

	switch {
	case contains(p.DeniedTools, tc.ToolName):
		decision, reason = "deny", "tool_denied"
	case contains(p.DeniedGroups, tc.Group):
		decision, reason = "deny", "group_denied"
	case tc.Channel != "" && contains(p.DeniedChannels, tc.Channel):
		decision, reason = "deny", "channel_denied"
	case tc.Model != "" && contains(p.DeniedModels, tc.Model):
		decision, reason = "deny", "model_denied"
	case len(p.AllowedTools) > 0 && !contains(p.AllowedTools, tc.ToolName):
		decision, reason = "deny", "tool_not_in_allowlist"
	case len(p.AllowedGroups) > 0 && !contains(p.AllowedGroups, tc.Group):
		decision, reason = "deny", "group_not_in_allowlist"
	case len(p.AllowedChannels) > 0 && tc.Channel != "" && !contains(p.AllowedChannels, tc.Channel):
		decision, reason = "deny", "channel_not_in_allowlist"
	case len(p.AllowedModels) > 0 && tc.Model != "" && !contains(p.AllowedModels, tc.Model):
		decision, reason = "deny", "model_not_in_allowlist"
	}

	audit.Record(decision, tc.ToolName, reason, p.Version, tc.Channel)
	return decision == "allow"
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
