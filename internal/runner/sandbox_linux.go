//go:build linux

package runner

import (
	"fmt"
	"os/exec"

	"github.com/hatago/gateway/internal/upstream"
)

// platformSandbox wraps argv with firejail, translating Permissions into
// firejail flags If firejail isn't installed, the original
// argv is returned unchanged along with a warning.
func platformSandbox(argv []string, perms upstream.Permissions, limits upstream.ResourceLimits) sandboxResult {
	firejail, err := exec.LookPath("firejail")
	if err != nil {
		return sandboxResult{Argv: argv, Warning: "firejail not found on PATH; running subprocess upstream without sandbox isolation"}
	}

	flags := []string{"--quiet"}
	if !perms.Network {
		flags = append(flags, "--net=none")
	}
	if !perms.FSWrite {
		flags = append(flags, "--read-only=~")
	}
	for _, p := range perms.AllowedPaths {
		flags = append(flags, fmt.Sprintf("--whitelist=%s", p))
	}
	if limits.MemoryMB > 0 {
		flags = append(flags, fmt.Sprintf("--rlimit-as=%dM", limits.MemoryMB))
	}
	if limits.CPUSeconds > 0 {
		flags = append(flags, fmt.Sprintf("--rlimit-cpu=%d", limits.CPUSeconds))
	}
	if limits.MaxOpenFiles > 0 {
		flags = append(flags, fmt.Sprintf("--rlimit-nofile=%d", limits.MaxOpenFiles))
	}
	if limits.WallSeconds > 0 {
		flags = append(flags, fmt.Sprintf("--timeout=00:%02d:%02d", limits.WallSeconds/60, limits.WallSeconds%60))
	}

	wrapped := append([]string{firejail}, flags...)
	wrapped = append(wrapped, argv...)
	return sandboxResult{Argv: wrapped}
}
