//go:build !windows

package providers

import "syscall"

// killableProcAttr puts the child in its own process group so a timeout kill
// reaches any descendants the CLI binary spawns, not just the direct child.
func killableProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
