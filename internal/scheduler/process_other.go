//go:build !unix

package scheduler

import "syscall"

func detachAttr() *syscall.SysProcAttr {
	return nil
}
