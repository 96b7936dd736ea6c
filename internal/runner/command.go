package runner

import (
	"fmt"

	"github.com/hatago/gateway/internal/upstream"
)

// buildArgv assembles the launch command for a subprocess upstream,
// selecting npx/pnpm dlx/yarn dlx/bunx/deno run npm: per the configured
// package manager and appending the pinned version and configured args
//.
func buildArgv(spec upstream.SubprocessSpec) ([]string, error) {
	pkg := spec.Package
	if spec.Version != "" {
		pkg = fmt.Sprintf("%s@%s", pkg, spec.Version)
	}

	var argv []string
	switch spec.PackageManager {
	case upstream.PMNpx, "":
		argv = []string{"npx", "-y", pkg}
	case upstream.PMPnpm:
		argv = []string{"pnpm", "dlx", pkg}
	case upstream.PMYarn:
		argv = []string{"yarn", "dlx", pkg}
	case upstream.PMBunx:
		argv = []string{"bunx", pkg}
	case upstream.PMDenoNP:
		argv = []string{"deno", "run", "--allow-all", "npm:" + pkg}
	default:
		return nil, fmt.Errorf("unknown package manager %q", spec.PackageManager)
	}
	argv = append(argv, spec.Args...)
	return argv, nil
}

// buildEnv assembles the child process environment: the parent's own
// environment (dropped when Permissions.EnvAccess is false) plus the
// subprocess spec's configured vars plus the sandbox identification vars
// (MCP_SANDBOX, MCP_SERVER_ID).
func buildEnv(parentEnv []string, id string, spec upstream.SubprocessSpec) []string {
	env := append([]string(nil), parentEnv...)
	if !spec.Permissions.EnvAccess {
		env = nil // a child denied env-access starts from a clean slate
	}
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	env = append(env, "MCP_SANDBOX=true", "MCP_SERVER_ID="+id)
	return env
}
