// Copyright (c) 2026 ThongSSH Team
// ThongSSH - SSH/Telnet session core
// This source code is licensed under the MIT license found in the LICENSE file.

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/lknsfos/thongssh/internal/logging"
	"github.com/lknsfos/thongssh/internal/model"
	"github.com/lknsfos/thongssh/internal/security"
)

// noDeadline clears a connection deadline.
var noDeadline time.Time

// sshDialer dials SSH hosts. Host key verification runs against the trusted
// key store; unknown and mismatching keys go through the decider capability.
type sshDialer struct {
	cfg Config
}

// Dial connects and authenticates to the host. On an auth rejection with a
// private key it falls back to the SSH agent once, if one is reachable.
func (d *sshDialer) Dial(ctx context.Context, host model.HostDescriptor, secret security.Secret) (Conn, error) {
	auths, err := d.authMethods(host, secret)
	if err != nil {
		return nil, err
	}

	conn, err := d.dialOnce(ctx, host, auths)
	if err == nil {
		return conn, nil
	}

	// Key auth failed cleanly: try the agent as a fallback before giving up,
	// unless the agent was the rejected method already.
	if IsAuthError(err) && host.Auth == model.AuthPrivateKey {
		if ag := getSSHAgent(); ag != nil {
			logging.Debugf("ssh: key auth rejected for %s, falling back to agent", host)
			conn, agentErr := d.dialOnce(ctx, host, []ssh.AuthMethod{ssh.PublicKeysCallback(ag.Signers)})
			if agentErr == nil {
				return conn, nil
			}
		}
	}
	return nil, err
}

// dialOnce performs one TCP connect plus SSH handshake attempt.
func (d *sshDialer) dialOnce(ctx context.Context, host model.HostDescriptor, auths []ssh.AuthMethod) (Conn, error) {
	addr := host.Addr()
	config := &ssh.ClientConfig{
		User:            host.Username,
		Auth:            auths,
		HostKeyCallback: d.hostKeyCallback(host),
		Timeout:         d.cfg.DialTimeout,
	}

	nd := net.Dialer{Timeout: d.cfg.DialTimeout}
	nc, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classifyDialError(host.Address, err)
	}

	if d.cfg.AuthStarted != nil {
		d.cfg.AuthStarted()
	}

	// Bound the handshake: the ClientConfig timeout only covers the banner
	// exchange, not a stalled key exchange.
	if deadline, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(nc, addr, config)
	if err != nil {
		_ = nc.Close()
		return nil, classifyDialError(host.Address, err)
	}
	_ = nc.SetDeadline(noDeadline)

	client := ssh.NewClient(c, chans, reqs)
	conn, err := newSSHConn(client, host)
	if err != nil {
		_ = client.Close()
		return nil, classifyDialError(host.Address, err)
	}
	return conn, nil
}

// authMethods assembles the auth method list for the descriptor. The secret
// is a password, a private key blob, or a passphrase for the key at KeyPath,
// depending on the configured method.
func (d *sshDialer) authMethods(host model.HostDescriptor, secret security.Secret) ([]ssh.AuthMethod, error) {
	switch host.Auth {
	case model.AuthPassword:
		pw := string(secret.Bytes())
		return []ssh.AuthMethod{ssh.Password(pw)}, nil

	case model.AuthPrivateKey:
		keyData := secret.Bytes()
		passphrase := security.Secret(nil)
		if host.KeyPath != "" {
			data, err := os.ReadFile(host.KeyPath)
			if err != nil {
				return nil, &Error{Kind: KindAuthRejected, Host: host.Address,
					Err: fmt.Errorf("unable to read private key %s: %w", host.KeyPath, err)}
			}
			keyData = data
			passphrase = secret
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			var missing *ssh.PassphraseMissingError
			if errors.As(err, &missing) && !passphrase.IsZero() {
				signer, err = ssh.ParsePrivateKeyWithPassphrase(keyData, passphrase.Bytes())
			}
			if err != nil {
				return nil, &Error{Kind: KindAuthRejected, Host: host.Address,
					Err: fmt.Errorf("unable to parse private key: %w", err)}
			}
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	case model.AuthAgent:
		ag := getSSHAgent()
		if ag == nil {
			return nil, &Error{Kind: KindAuthRejected, Host: host.Address,
				Err: errors.New("no ssh agent available")}
		}
		return []ssh.AuthMethod{ssh.PublicKeysCallback(ag.Signers)}, nil
	}
	return nil, &Error{Kind: KindProtocol, Host: host.Address,
		Err: fmt.Errorf("unknown auth method %q", host.Auth)}
}

// hostKeyCallback checks the presented key against the trust store and
// delegates unknown or mismatching keys to the decider. It never accepts
// silently.
func (d *sshDialer) hostKeyCallback(host model.HostDescriptor) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		// The hostname passed to the callback can include the port; strip it
		// so trust store lookups stay stable across port changes.
		name, _, err := net.SplitHostPort(hostname)
		if err != nil {
			name = hostname
		}

		presented := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key)))
		known, err := d.cfg.HostKeys.Get(context.Background(), name)
		if err != nil {
			return &Error{Kind: KindProtocol, Host: name,
				Err: fmt.Errorf("failed to query host key store: %w", err)}
		}
		if known == presented {
			return nil
		}

		fingerprint := ssh.FingerprintSHA256(key)
		kind := KindHostKeyUnknown
		if known != "" {
			kind = KindHostKeyMismatch
		}

		switch d.cfg.Decider.Decide(name, fingerprint, presented, known) {
		case Accept:
			if err := d.cfg.HostKeys.Put(context.Background(), name, presented); err != nil {
				return &Error{Kind: KindProtocol, Host: name,
					Err: fmt.Errorf("failed to persist host key: %w", err)}
			}
			return nil
		case AcceptOnce:
			return nil
		default:
			return &Error{Kind: kind, Host: name,
				Err: fmt.Errorf("host key %s not trusted", fingerprint)}
		}
	}
}

// sshConn is a live SSH shell channel plus the client it rides on.
type sshConn struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  *io.PipeReader
	waitCh  chan error
	closed  chan struct{}
}

// newSSHConn opens the interactive shell session on an authenticated client.
// Stdout and stderr are merged into one stream; the session core does not
// interpret escape sequences, it only moves bytes.
func newSSHConn(client *ssh.Client, host model.HostDescriptor) (*sshConn, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open session channel: %w", err)
	}

	if host.ForwardAgent {
		if ag := getSSHAgent(); ag != nil {
			if err := agent.ForwardToAgent(client, ag); err == nil {
				_ = agent.RequestAgentForwarding(session)
			} else {
				logging.Warnf("ssh: agent forwarding setup failed for %s: %v", host, err)
			}
		}
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", 24, 80, modes); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("failed to request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}

	pr, pw := io.Pipe()
	session.Stdout = pw
	session.Stderr = pw

	if err := session.Shell(); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("failed to start shell: %w", err)
	}

	c := &sshConn{
		client:  client,
		session: session,
		stdin:   stdin,
		stdout:  pr,
		waitCh:  make(chan error, 1),
		closed:  make(chan struct{}),
	}
	go func() {
		err := session.Wait()
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			err = nil // the remote shell exited; its status is not a transport failure
		}
		select {
		case <-c.closed:
			err = nil // deliberate close is not a transport failure
		default:
		}
		// The verdict must be buffered before the read side sees EOF.
		c.waitCh <- err
		close(c.waitCh)
		_ = pw.CloseWithError(io.EOF)
	}()
	return c, nil
}

// Read returns the merged shell output stream.
func (c *sshConn) Read(p []byte) (int, error) { return c.stdout.Read(p) }

// Write feeds the remote shell's input.
func (c *sshConn) Write(p []byte) (int, error) { return c.stdin.Write(p) }

// Resize propagates a window size change to the remote pty.
func (c *sshConn) Resize(rows, cols int) error {
	return c.session.WindowChange(rows, cols)
}

// OpenSftp opens the SFTP sub-channel on the same authenticated client.
func (c *sshConn) OpenSftp() (SftpChannel, error) {
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, fmt.Errorf("failed to create sftp client: %w", err)
	}
	return &sftpChannel{client: client}, nil
}

// Wait reports transport death.
func (c *sshConn) Wait() <-chan error { return c.waitCh }

// Close tears down the shell channel and the client connection.
func (c *sshConn) Close() error {
	select {
	case <-c.closed:
		return nil
	default:
		close(c.closed)
	}
	_ = c.stdin.Close()
	_ = c.session.Close()
	err := c.client.Close()
	_ = c.stdout.Close()
	return err
}
