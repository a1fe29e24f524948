//go:build windows

package providers

import "syscall"

func killableProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{}
}
