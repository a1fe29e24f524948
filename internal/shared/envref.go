package shared

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

var envRefPattern = regexp.MustCompile(`^\$\{?(?:ENV:)?([A-Za-z_][A-Za-z0-9_]*)\}?$|^env:([A-Za-z_][A-Za-z0-9_]*)$`)

// ResolveEnvRef resolves an API-key-shaped value that may be a literal or a
// reference to an environment variable. Recognized reference forms:
//
//	$NAME
//	${NAME}
//	${ENV:NAME}
//	env:NAME
//
// Any other value is returned unchanged as a literal.
func ResolveEnvRef(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", nil
	}
	m := envRefPattern.FindStringSubmatch(trimmed)
	if m == nil {
		return value, nil
	}
	name := m[1]
	if name == "" {
		name = m[2]
	}
	resolved, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("environment variable %q referenced but not set", name)
	}
	return resolved, nil
}

// IsEnvRef reports whether value uses one of the recognized env-reference forms.
func IsEnvRef(value string) bool {
	return envRefPattern.MatchString(strings.TrimSpace(value))
}

// EnvFlag reports whether the named environment variable is set to a truthy
// value (case-insensitive, trimmed, one of "1", "true", "yes"). Used for the
// kill-switch environment variables documented in the main interface
// contract (ANT_DISABLE_PROVIDER_DISCOVERY, ANT_DISABLE_PROVIDER_TOOLS,
// ANT_EXEC_BLOCK_DELETE) plus the NODE_ENV=test discovery disable.
func EnvFlag(name string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	return v == "1" || v == "true" || v == "yes"
}

// TestModeActive reports whether the process is running under the test-mode
// discovery disable switch (NODE_ENV=test), preserved for compatibility with
// the reference project's environment naming.
func TestModeActive() bool {
	return strings.ToLower(strings.TrimSpace(os.Getenv("NODE_ENV"))) == "test"
}
