//go:build !windows
// +build !windows

// Copyright (c) 2026 ThongSSH Team
// ThongSSH - SSH/Telnet session core
// This source code is licensed under the MIT license found in the LICENSE file.

// This file contains the Unix-specific terminal resize watcher.
package main

import (
	"os"
	"os/signal"
	"syscall"
)

// watchResize invokes fn whenever the controlling terminal changes size. The
// returned function stops the watcher.
func watchResize(fn func()) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGWINCH)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ch:
				fn()
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}
