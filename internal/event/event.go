// Copyright (c) 2026 ThongSSH Team
// ThongSSH - SSH/Telnet session core
// This source code is licensed under the MIT license found in the LICENSE file.

// Package event carries the event surface of the session core. The
// presentation layer is a pure subscriber: it receives lifecycle, shell data
// and transfer events through a Bus and never participates in control flow.
package event

import (
	"time"

	"github.com/lknsfos/thongssh/internal/model"
)

// Type tags an Event variant.
type Type string

const (
	SessionStateChanged Type = "session-state-changed"
	ShellData           Type = "shell-data"
	TransferProgress    Type = "transfer-progress"
	TransferDone        Type = "transfer-done"
	Error               Type = "error"
)

// Event is the tagged variant delivered to subscribers. Events for a single
// session arrive in emission order; no ordering holds across sessions.
type Event struct {
	Type      Type
	SessionID string
	Host      string

	// State is set for SessionStateChanged.
	State model.SessionState
	// Data is set for ShellData. The slice is owned by the subscriber.
	Data []byte
	// Task is a snapshot, set for TransferProgress and TransferDone.
	Task *model.TransferTask
	// Entries carries a directory listing on TransferDone for list tasks.
	Entries []model.DirEntry
	// Err is set for Error events and failed TransferDone tasks.
	Err error

	Time time.Time
}
