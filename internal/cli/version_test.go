package cli

import (
	"io"
	"os"
	"strings"
	"testing"
)

func TestVersionCommandPrintsBuildInfo(t *testing.T) {
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	os.Stdout = w

	versionCmd.Run(versionCmd, nil)

	w.Close()
	os.Stdout = old
	out, _ := io.ReadAll(r)

	if !strings.Contains(string(out), "hatago") {
		t.Fatalf("expected version output to mention hatago, got %q", string(out))
	}
}

func TestRootCommandHasServeAndVersionSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	if !names["serve"] || !names["version"] {
		t.Fatalf("expected serve and version subcommands, got %v", names)
	}
}
