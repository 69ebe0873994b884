package sim

import (
	"fmt"
	"os/exec"
	"path/filepath"
)

// Config describes how to launch the simulator. It is resolved once, before any session is started, and then shared
// read-only by every session.
type Config struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
}

// Resolve looks up the executable and returns a copy of the config with an absolute command path.
func (c Config) Resolve() (Config, error) {
	if c.Command == "" {
		return Config{}, fmt.Errorf("no simulator command configured")
	}
	path, err := exec.LookPath(c.Command)
	if err != nil {
		return Config{}, fmt.Errorf("resolving simulator executable %q: %w", c.Command, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("making %q absolute: %w", path, err)
	}

	resolved := c
	resolved.Command = abs
	resolved.Args = append([]string(nil), c.Args...)
	resolved.Env = append([]string(nil), c.Env...)
	return resolved, nil
}
