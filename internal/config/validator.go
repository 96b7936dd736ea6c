package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate checks c against its struct tags plus the cross-field rules the
// tags can't express, via go-playground/validator/v10 plus a hand-written
// cross-field pass.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}
	return c.validateCrossField()
}

func (c *Config) validateCrossField() error {
	for _, up := range c.Proxy.Servers {
		if up.Transport == "http" && up.Endpoint == "" {
			return fmt.Errorf("proxy.servers[%s]: endpoint is required for transport=http", up.ID)
		}
	}
	for _, sub := range c.Runner.Servers {
		if sub.Transport == "http" && sub.HTTPPort == 0 {
			return fmt.Errorf("runner.servers[%s]: httpPort is required for transport=http", sub.ID)
		}
	}
	seen := make(map[string]struct{}, len(c.Proxy.Servers)+len(c.Runner.Servers))
	for _, up := range c.Proxy.Servers {
		if _, dup := seen[up.ID]; dup {
			return fmt.Errorf("duplicate upstream id %q across proxy.servers/runner.servers", up.ID)
		}
		seen[up.ID] = struct{}{}
	}
	for _, sub := range c.Runner.Servers {
		if _, dup := seen[sub.ID]; dup {
			return fmt.Errorf("duplicate upstream id %q across proxy.servers/runner.servers", sub.ID)
		}
		seen[sub.ID] = struct{}{}
	}
	return nil
}

// formatValidationErrors turns validator's field-path errors into a single,
// actionable multi-line error.
func formatValidationErrors(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	lines := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		lines = append(lines, fmt.Sprintf("%s: failed %q validation (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("config validation failed:\n  %s", strings.Join(lines, "\n  "))
}
