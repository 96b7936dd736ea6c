package config

import "testing"

func TestApplyDefaultsFillsZeroValues(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected default log level info, got %s", cfg.Logging.Level)
	}
	if cfg.Proxy.NamespaceStrategy != "prefix" {
		t.Errorf("expected default namespace strategy prefix, got %s", cfg.Proxy.NamespaceStrategy)
	}
	if cfg.Proxy.Namespace.Separator != ":" {
		t.Errorf("expected default separator ':', got %q", cfg.Proxy.Namespace.Separator)
	}
}

func TestApplyDefaultsPreservesExplicitValues(t *testing.T) {
	cfg := &Config{Server: ServerConfig{Port: 9090}}
	cfg.ApplyDefaults()

	if cfg.Server.Port != 9090 {
		t.Errorf("expected explicit port preserved, got %d", cfg.Server.Port)
	}
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for out-of-range port")
	}
}

func TestValidateRejectsHTTPUpstreamWithoutEndpoint(t *testing.T) {
	cfg := Default()
	cfg.Proxy.Servers = []UpstreamConfig{{ID: "fs", Transport: "http"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for http upstream with no endpoint")
	}
}

func TestValidateRejectsDuplicateUpstreamIDs(t *testing.T) {
	cfg := Default()
	cfg.Proxy.Servers = []UpstreamConfig{{ID: "fs", Transport: "http", Endpoint: "http://localhost:1"}}
	cfg.Runner.Servers = []SubprocessConfig{{ID: "fs", Package: "@modelcontextprotocol/server-filesystem"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for duplicate upstream id")
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to validate, got %v", err)
	}
}
