//go:build windows
// +build windows

// Copyright (c) 2026 ThongSSH Team
// ThongSSH - SSH/Telnet session core
// This source code is licensed under the MIT license found in the LICENSE file.

// This file contains the Windows terminal resize watcher. Windows has no
// SIGWINCH; the console size is polled instead.
package main

import (
	"os"
	"time"

	"golang.org/x/term"
)

// watchResize polls the console size and invokes fn on change. The returned
// function stops the watcher.
func watchResize(fn func()) func() {
	done := make(chan struct{})
	go func() {
		fd := int(os.Stdin.Fd())
		lastW, lastH, _ := term.GetSize(fd)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if w, h, err := term.GetSize(fd); err == nil && (w != lastW || h != lastH) {
					lastW, lastH = w, h
					fn()
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}
