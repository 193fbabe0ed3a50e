// Copyright (c) 2026 ThongSSH Team
// ThongSSH - SSH/Telnet session core
// This source code is licensed under the MIT license found in the LICENSE file.

// Package transport establishes raw authenticated connections to remote
// hosts. It yields a duplex byte channel per connection plus, for SSH, an
// SFTP sub-channel. Host key verification is never hardcoded to accept-all;
// unknown and mismatching keys are delegated to a HostKeyDecider capability.
package transport

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/lknsfos/thongssh/internal/hostkeys"
	"github.com/lknsfos/thongssh/internal/model"
	"github.com/lknsfos/thongssh/internal/security"
)

// ErrSftpUnsupported is returned by OpenSftp on transports without a file
// transfer sub-channel (telnet).
var ErrSftpUnsupported = errors.New("transport: sftp not supported by this protocol")

// Conn is one live duplex byte channel to a host. Reads return the remote
// byte stream (shell output); writes feed the remote input. Close releases
// the underlying socket and any sub-channels.
type Conn interface {
	io.ReadWriteCloser

	// Resize propagates a terminal size change. Protocols without a window
	// size mechanism treat it as a no-op.
	Resize(rows, cols int) error

	// OpenSftp opens the SFTP sub-channel. Only valid for SSH transports.
	OpenSftp() (SftpChannel, error)

	// Wait returns a channel that receives the death verdict once the
	// transport dies, then is closed. A nil verdict means a clean shutdown:
	// the remote side ended the session or Close was called, as opposed to
	// the connection dropping. The verdict is buffered before Read returns
	// its terminal error, so consumers may poll without blocking.
	Wait() <-chan error
}

// SftpChannel is the narrow file-transfer contract the transfer engine runs
// against. It mirrors the SFTP verbs the engine exposes as tasks.
type SftpChannel interface {
	ReadDir(path string) ([]os.FileInfo, error)
	Open(path string) (RemoteFile, error)
	Create(path string) (RemoteFile, error)
	Stat(path string) (os.FileInfo, error)
	Mkdir(path string) error
	Remove(path string) error
	RemoveDirectory(path string) error
	Rename(oldPath, newPath string) error
	Close() error
}

// RemoteFile is one open remote file.
type RemoteFile interface {
	io.Reader
	io.Writer
	io.Closer
}

// Dialer establishes connections for one protocol. Dial blocks until the
// connection is authenticated or ctx is done; the returned error is always
// a *Error carrying the taxonomy kind.
type Dialer interface {
	Dial(ctx context.Context, host model.HostDescriptor, secret security.Secret) (Conn, error)
}

// Decision is the outcome of a host key trust query.
type Decision int

const (
	// Reject refuses the connection.
	Reject Decision = iota
	// AcceptOnce trusts the key for this connection without persisting it.
	AcceptOnce
	// Accept trusts the key and persists it in the host key store.
	Accept
)

// HostKeyDecider is the capability consulted on first-use and mismatching
// host keys. known is empty on first use. Implementations typically prompt
// the user; tests script the answer.
type HostKeyDecider interface {
	Decide(host, fingerprint, presented, known string) Decision
}

// RejectAll is the default decider: never trust a key the store does not
// already know.
type RejectAll struct{}

// Decide always rejects.
func (RejectAll) Decide(host, fingerprint, presented, known string) Decision { return Reject }

// Config carries the dependencies shared by the concrete dialers.
type Config struct {
	HostKeys    hostkeys.Store
	Decider     HostKeyDecider
	DialTimeout time.Duration

	// AuthStarted, when set, is called once the socket is up and
	// authentication begins. The session uses it for its
	// Connecting -> Authenticating transition.
	AuthStarted func()
}

// NewDialer returns the dialer for the host's protocol.
func NewDialer(host model.HostDescriptor, cfg Config) Dialer {
	if cfg.Decider == nil {
		cfg.Decider = RejectAll{}
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if host.Protocol == model.ProtocolTelnet {
		return &telnetDialer{cfg: cfg}
	}
	return &sshDialer{cfg: cfg}
}
