//go:build !linux && !darwin

package runner

import "github.com/hatago/gateway/internal/upstream"

// platformSandbox applies no isolation on platforms without a supported
// sandbox mechanism "Other platforms: no isolation; emit a
// warning."
func platformSandbox(argv []string, _ upstream.Permissions, _ upstream.ResourceLimits) sandboxResult {
	return sandboxResult{Argv: argv, Warning: "no sandbox isolation available on this platform; running subprocess upstream unsandboxed"}
}
