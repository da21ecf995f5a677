package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Agent selects which AI CLI family a child runs and how its credentials are
// delivered.
type Agent string

const (
	AgentClaude Agent = "claude"
	AgentCodex  Agent = "codex"
)

// claudeTokenVar receives the auth token directly for claude-family children.
const claudeTokenVar = "CLAUDE_CODE_OAUTH_TOKEN"

// codexHomeVar points codex-family children at a disposable credentials
// directory containing auth.json.
const codexHomeVar = "CODEX_HOME"

var refPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// composeEnv builds the child environment in layers: the daemon's process
// environment, then profile overrides with ${VAR} references expanded against
// the process environment, then the auth variables last so nothing can shadow
// them. An auth variable still holding an unexpanded reference afterwards
// fails the spawn.
func composeEnv(processEnv []string, profile, auth map[string]string) (map[string]string, error) {
	base := make(map[string]string, len(processEnv))
	for _, kv := range processEnv {
		if k, v, ok := strings.Cut(kv, "="); ok {
			base[k] = v
		}
	}

	env := make(map[string]string, len(base)+len(profile)+len(auth))
	for k, v := range base {
		env[k] = v
	}
	for k, v := range profile {
		env[k] = expandRefs(v, base)
	}
	for k, v := range auth {
		expanded := expandRefs(v, base)
		if missing := firstUnexpandedRef(expanded); missing != "" {
			return nil, fmt.Errorf("auth variable %s references undefined variable %s", k, missing)
		}
		env[k] = expanded
	}
	return env, nil
}

// expandRefs substitutes ${VAR} references from lookup, leaving unknown
// references in place so the caller can detect them.
func expandRefs(value string, lookup map[string]string) string {
	return refPattern.ReplaceAllStringFunc(value, func(ref string) string {
		name := ref[2 : len(ref)-1]
		if v, ok := lookup[name]; ok {
			return v
		}
		return ref
	})
}

func firstUnexpandedRef(value string) string {
	if m := refPattern.FindStringSubmatch(value); m != nil {
		return m[1]
	}
	return ""
}

// authEnv returns the variables that deliver token to a child of the given
// agent family. For codex the token is written into a disposable credentials
// directory under scratchDir and exported by path, never inline.
func authEnv(agent Agent, token, scratchDir string) (map[string]string, error) {
	if token == "" {
		return nil, nil
	}

	switch agent {
	case AgentClaude:
		return map[string]string{claudeTokenVar: token}, nil

	case AgentCodex:
		dir, err := os.MkdirTemp(scratchDir, "codex-home-")
		if err != nil {
			return nil, fmt.Errorf("create codex home: %w", err)
		}
		creds, err := json.Marshal(map[string]string{"OPENAI_API_KEY": token})
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(dir, "auth.json"), creds, 0o600); err != nil {
			return nil, fmt.Errorf("write codex credentials: %w", err)
		}
		return map[string]string{codexHomeVar: dir}, nil

	default:
		return nil, fmt.Errorf("unknown agent %q", agent)
	}
}
