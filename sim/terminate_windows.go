//go:build windows

package sim

import "os"

// Windows has no SIGTERM.
func terminate(p *os.Process) error {
	return p.Kill()
}
