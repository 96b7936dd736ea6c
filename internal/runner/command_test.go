package runner

import (
	"strings"
	"testing"

	"github.com/hatago/gateway/internal/upstream"
)

func TestBuildArgvSelectsPackageManager(t *testing.T) {
	cases := []struct {
		name string
		spec upstream.SubprocessSpec
		want []string
	}{
		{"default-npx", upstream.SubprocessSpec{Package: "@modelcontextprotocol/server-fs"}, []string{"npx", "-y", "@modelcontextprotocol/server-fs"}},
		{"npx-versioned", upstream.SubprocessSpec{Package: "fs-server", Version: "1.2.3", PackageManager: upstream.PMNpx}, []string{"npx", "-y", "fs-server@1.2.3"}},
		{"pnpm", upstream.SubprocessSpec{Package: "fs-server", PackageManager: upstream.PMPnpm}, []string{"pnpm", "dlx", "fs-server"}},
		{"yarn", upstream.SubprocessSpec{Package: "fs-server", PackageManager: upstream.PMYarn}, []string{"yarn", "dlx", "fs-server"}},
		{"bunx", upstream.SubprocessSpec{Package: "fs-server", PackageManager: upstream.PMBunx}, []string{"bunx", "fs-server"}},
		{"deno", upstream.SubprocessSpec{Package: "fs-server", PackageManager: upstream.PMDenoNP}, []string{"deno", "run", "--allow-all", "npm:fs-server"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := buildArgv(c.spec)
			if err != nil {
				t.Fatalf("buildArgv: %v", err)
			}
			if strings.Join(got, " ") != strings.Join(c.want, " ") {
				t.Fatalf("got %v, want %v", got, c.want)
			}
		})
	}
}

func TestBuildArgvAppendsConfiguredArgs(t *testing.T) {
	got, err := buildArgv(upstream.SubprocessSpec{Package: "fs-server", Args: []string{"--root", "/tmp"}})
	if err != nil {
		t.Fatalf("buildArgv: %v", err)
	}
	want := []string{"npx", "-y", "fs-server", "--root", "/tmp"}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestBuildArgvUnknownPackageManager(t *testing.T) {
	_, err := buildArgv(upstream.SubprocessSpec{Package: "fs-server", PackageManager: "bogus"})
	if err == nil {
		t.Fatal("expected error for unknown package manager")
	}
}

func TestBuildEnvDeniesAccessStartsClean(t *testing.T) {
	parent := []string{"PATH=/usr/bin", "HOME=/root"}
	env := buildEnv(parent, "fs", upstream.SubprocessSpec{
		Permissions: upstream.Permissions{EnvAccess: false},
		Env:         map[string]string{"FOO": "bar"},
	})
	for _, e := range env {
		if e == "PATH=/usr/bin" || e == "HOME=/root" {
			t.Fatalf("expected parent env excluded when EnvAccess is false, got %v", env)
		}
	}
	if !containsEnv(env, "FOO=bar") {
		t.Fatalf("expected configured env var present, got %v", env)
	}
	if !containsEnv(env, "MCP_SANDBOX=true") || !containsEnv(env, "MCP_SERVER_ID=fs") {
		t.Fatalf("expected sandbox identification vars, got %v", env)
	}
}

func TestBuildEnvAllowsAccessInheritsParent(t *testing.T) {
	parent := []string{"PATH=/usr/bin"}
	env := buildEnv(parent, "fs", upstream.SubprocessSpec{Permissions: upstream.Permissions{EnvAccess: true}})
	if !containsEnv(env, "PATH=/usr/bin") {
		t.Fatalf("expected parent env inherited when EnvAccess is true, got %v", env)
	}
}

func containsEnv(env []string, want string) bool {
	for _, e := range env {
		if e == want {
			return true
		}
	}
	return false
}
