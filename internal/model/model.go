// Copyright (c) 2026 ThongSSH Team
// ThongSSH - SSH/Telnet session core
// This source code is licensed under the MIT license found in the LICENSE file.

// Package model defines the core data types shared across the session core:
// host descriptors, session states and transfer tasks. Types here carry no
// behavior beyond simple accessors; ownership rules live with the components
// that hold them (session manager, transfer engine).
package model

import (
	"fmt"
	"time"
)

// Protocol identifies the wire protocol used to reach a host.
type Protocol string

const (
	ProtocolSSH    Protocol = "ssh"
	ProtocolTelnet Protocol = "telnet"
)

// AuthMethod selects how a session authenticates against a host.
// Telnet hosts ignore it; any login happens over the byte stream.
type AuthMethod string

const (
	AuthPassword   AuthMethod = "password"
	AuthPrivateKey AuthMethod = "private-key"
	AuthAgent      AuthMethod = "agent"
)

// HostDescriptor describes one remote host. It is immutable once a session
// has been bound to it; identity is ID.
type HostDescriptor struct {
	ID       string
	Name     string
	Address  string
	Port     int // 0 means protocol default
	Protocol Protocol
	Username string
	Auth     AuthMethod
	KeyPath  string // private key file, only meaningful for AuthPrivateKey

	ForwardAgent    bool
	TelnetBinary    bool
	TelnetLocalEcho bool
}

// Addr returns the dialable host:port, applying the protocol default port
// when none is set.
func (h HostDescriptor) Addr() string {
	port := h.Port
	if port == 0 {
		if h.Protocol == ProtocolTelnet {
			port = 23
		} else {
			port = 22
		}
	}
	return fmt.Sprintf("%s:%d", h.Address, port)
}

// String returns the user@host representation used in logs and events.
func (h HostDescriptor) String() string {
	if h.Username == "" {
		return h.Address
	}
	return fmt.Sprintf("%s@%s", h.Username, h.Address)
}

// SessionState is the authoritative lifecycle state of a session.
type SessionState string

const (
	StateIdle           SessionState = "idle"
	StateConnecting     SessionState = "connecting"
	StateAuthenticating SessionState = "authenticating"
	StateConnected      SessionState = "connected"
	StateReconnecting   SessionState = "reconnecting"
	StateDisconnected   SessionState = "disconnected"
	StateFailed         SessionState = "failed"
)

// HasTransport reports whether a session in this state owns a live transport.
// Transport existence and state must agree at all times.
func (s SessionState) HasTransport() bool {
	switch s {
	case StateConnecting, StateAuthenticating, StateConnected, StateReconnecting:
		return true
	}
	return false
}

// Terminal reports whether the state requires an explicit reopen to leave.
func (s SessionState) Terminal() bool {
	return s == StateDisconnected || s == StateFailed
}

// TransferKind names one SFTP verb run by the transfer engine.
type TransferKind string

const (
	TransferList   TransferKind = "list"
	TransferGet    TransferKind = "get"
	TransferPut    TransferKind = "put"
	TransferMkdir  TransferKind = "mkdir"
	TransferRemove TransferKind = "remove"
	TransferRename TransferKind = "rename"
)

// TransferState is the lifecycle state of a transfer task.
type TransferState string

const (
	TransferPending   TransferState = "pending"
	TransferRunning   TransferState = "running"
	TransferDone      TransferState = "done"
	TransferFailed    TransferState = "failed"
	TransferCancelled TransferState = "cancelled"
)

// TransferTask is a snapshot of one cancellable, progress-tracked SFTP
// operation. The transfer engine owns the live task; callers only ever see
// copies, so a snapshot is safe to retain.
type TransferTask struct {
	ID               string
	SessionID        string
	Kind             TransferKind
	Path             string
	Dest             string // rename target or local path for get/put
	State            TransferState
	BytesTransferred int64
	TotalBytes       int64
	Err              error
	StartedAt        time.Time
}

// DirEntry is one remote directory listing entry.
type DirEntry struct {
	Name    string
	Size    int64
	Mode    uint32
	ModTime time.Time
	IsDir   bool
}
