package runner

import "github.com/hatago/gateway/internal/upstream"

// sandboxResult is what a platform sandbox implementation returns: the
// possibly-wrapped argv, and a warning to log when no isolation could be
// applied.
type sandboxResult struct {
	Argv    []string
	Warning string
}

// applySandbox wraps argv with the platform-appropriate isolation for
// perms/limits. The concrete implementation is selected at compile time by
// the sandbox_<os>.go build-tagged files.
func applySandbox(argv []string, perms upstream.Permissions, limits upstream.ResourceLimits) sandboxResult {
	return platformSandbox(argv, perms, limits)
}
