//go:build unix

package scheduler

import "syscall"

// detachAttr starts the worker in its own session so it survives server
// exit and never receives the server's terminal signals.
func detachAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
