//go:build windows

package transport

import "os"

// Windows has no SIGTERM; Close falls through to Kill after the grace period.
func terminate(p *os.Process) error { return p.Signal(os.Interrupt) }
