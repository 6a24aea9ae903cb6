package session

import (
	"fmt"
	"os"

	"github.com/agentbridge/agentctl/convo"
)

// DefaultSpawner builds the executable + args template for each supported
// tool from the conversation's model and, for claude only, its permissionMode
// and (on resume) session id; every tool runs in projectPath. The
// conversation's mode is not passed to any CLI. The exact per-tool
// flags are opaque to the rest of the system — the Parser is authoritative
// about what a tool emits, this is authoritative about how it is driven.
func DefaultSpawner(c convo.Conversation, resume bool) ([]string, []string, string, error) {
	env := append(os.Environ(), "TERM=xterm-256color")
	switch c.Tool {
	case convo.ToolClaude:
		argv := []string{"claude", "--output-format", "stream-json", "--permission-mode", string(c.PermissionMode)}
		if c.Model != nil {
			argv = append(argv, "--model", *c.Model)
		}
		if resume && c.SessionID != nil {
			argv = append(argv, "--resume", *c.SessionID)
		}
		return argv, env, c.ProjectPath, nil
	case convo.ToolCursorAgent:
		argv := []string{"cursor-agent", "--output-format", "stream-json"}
		if c.Model != nil {
			argv = append(argv, "--model", *c.Model)
		}
		return argv, env, c.ProjectPath, nil
	case convo.ToolGemini:
		argv := []string{"gemini"}
		if c.Model != nil {
			argv = append(argv, "--model", *c.Model)
		}
		return argv, env, c.ProjectPath, nil
	case convo.ToolCustom:
		return nil, nil, "", fmt.Errorf("session: custom tool requires a caller-supplied Spawner")
	default:
		return nil, nil, "", fmt.Errorf("session: unknown tool %q", c.Tool)
	}
}

// BuildDefaultSpawner adapts DefaultSpawner to the buildSpawn shape Manager
// expects, ignoring the conversation snapshot captured at session creation
// in favor of whatever AgentSession passes at each (re)spawn.
func BuildDefaultSpawner(convo.Conversation) Spawner {
	return DefaultSpawner
}
