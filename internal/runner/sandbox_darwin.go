//go:build darwin

package runner

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/hatago/gateway/internal/upstream"
)

// platformSandbox renders a macOS sandbox profile and launches under
// sandbox-exec -p <profile> If sandbox-exec is missing
// (removed on some modern macOS installs), the original argv is returned
// unchanged with a warning.
func platformSandbox(argv []string, perms upstream.Permissions, limits upstream.ResourceLimits) sandboxResult {
	sandboxExec, err := exec.LookPath("sandbox-exec")
	if err != nil {
		return sandboxResult{Argv: argv, Warning: "sandbox-exec not found; running subprocess upstream without sandbox isolation"}
	}

	profile := buildSandboxProfile(perms)
	wrapped := append([]string{sandboxExec, "-p", profile}, argv...)
	return sandboxResult{Argv: wrapped}
}

func buildSandboxProfile(perms upstream.Permissions) string {
	var b strings.Builder
	b.WriteString("(version 1)\n(deny default)\n(allow process-fork)\n(allow process-exec)\n(allow sysctl-read)\n")

	if perms.Network {
		b.WriteString("(allow network*)\n")
	} else {
		b.WriteString("(deny network*)\n")
	}

	b.WriteString("(allow file-read* (subpath \"/usr\") (subpath \"/System\") (subpath \"/Library\"))\n")
	if perms.FSRead {
		b.WriteString("(allow file-read*)\n")
	}
	if perms.FSWrite {
		for _, p := range perms.AllowedPaths {
			fmt.Fprintf(&b, "(allow file-write* (subpath %q))\n", p)
		}
	} else {
		b.WriteString("(deny file-write*)\n")
	}
	if !perms.SpawnChild {
		b.WriteString("(deny process-exec (with no-sandbox))\n")
	}
	return b.String()
}

func writeTempProfile(profile string) (string, error) {
	f, err := os.CreateTemp("", "hatago-sandbox-*.sb")
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	if _, err := f.WriteString(profile); err != nil {
		return "", err
	}
	return f.Name(), nil
}
