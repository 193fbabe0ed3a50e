// Copyright (c) 2026 ThongSSH Team
// ThongSSH - SSH/Telnet session core
// This source code is licensed under the MIT license found in the LICENSE file.

// Package session owns the lifecycle of logical connections: the per-host
// Session state machine with its reconnection policy, and the Manager that
// routes commands and fans events out to subscribers.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lknsfos/thongssh/internal/config"
	"github.com/lknsfos/thongssh/internal/event"
	"github.com/lknsfos/thongssh/internal/hostkeys"
	"github.com/lknsfos/thongssh/internal/logging"
	"github.com/lknsfos/thongssh/internal/model"
	"github.com/lknsfos/thongssh/internal/secrets"
	"github.com/lknsfos/thongssh/internal/security"
	"github.com/lknsfos/thongssh/internal/transport"
)

// ErrNotConnected is returned for operations that are only valid while the
// session is connected. The payload of a rejected write is dropped, never
// buffered.
var ErrNotConnected = errors.New("session: not connected")

// ErrInvalidState is returned when a lifecycle command does not apply to the
// session's current state (e.g. Open on a Failed session).
var ErrInvalidState = errors.New("session: command not valid in current state")

// readBufSize is the chunk size of the transport read loop.
const readBufSize = 32 * 1024

// terminator is the hook a session calls when its connection goes away, so
// outstanding transfer tasks never run against a dead connection.
type terminator interface {
	// SessionClosed cancels all outstanding tasks for the session. lost
	// distinguishes a dead connection from a deliberate close.
	SessionClosed(sessionID string, lost bool)
}

// Session is one logical connection to one host. All exported methods are
// safe for concurrent use; mutating commands serialize on the internal lock.
type Session struct {
	ID   string
	Host model.HostDescriptor

	opts  Options
	creds secrets.Provider
	bus   *event.Bus
	term  terminator

	mu                sync.Mutex
	state             model.SessionState
	conn              transport.Conn
	createdAt         time.Time
	lastActivityAt    time.Time
	reconnectAttempts int
	opening           bool
	muted             bool // set by Close: no further events for this id
	gen               int  // connection generation, guards stale read loops
	closeCh           chan struct{}
}

// Options carries the dependencies and policy a session connects with.
type Options struct {
	DialTimeout time.Duration
	Reconnect   config.ReconnectPolicy
	HostKeys    hostkeys.Store
	Decider     transport.HostKeyDecider

	// NewDialer is the transport factory; tests swap it for a fake. When nil
	// the real protocol dialers are used.
	NewDialer func(host model.HostDescriptor, cfg transport.Config) transport.Dialer
}

func newSession(id string, host model.HostDescriptor, creds secrets.Provider, bus *event.Bus, term terminator, opts Options) *Session {
	return &Session{
		ID:        id,
		Host:      host,
		opts:      opts,
		creds:     creds,
		bus:       bus,
		term:      term,
		state:     model.StateIdle,
		createdAt: time.Now(),
		closeCh:   make(chan struct{}),
	}
}

// State returns the current authoritative state.
func (s *Session) State() model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns a point-in-time snapshot for listings.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:                s.ID,
		Host:              s.Host,
		State:             s.state,
		CreatedAt:         s.createdAt,
		LastActivityAt:    s.lastActivityAt,
		ReconnectAttempts: s.reconnectAttempts,
	}
}

// Info is a read-only session snapshot.
type Info struct {
	ID                string
	Host              model.HostDescriptor
	State             model.SessionState
	CreatedAt         time.Time
	LastActivityAt    time.Time
	ReconnectAttempts int
}

// emitLocked publishes an event for this session. Callers hold s.mu.
func (s *Session) emitLocked(ev event.Event) {
	if s.muted {
		return
	}
	ev.SessionID = s.ID
	ev.Host = s.Host.String()
	s.bus.Publish(ev)
}

// setStateLocked transitions the state machine and announces it.
func (s *Session) setStateLocked(st model.SessionState) {
	if s.state == st {
		return
	}
	logging.Debugf("session %s: %s -> %s", s.ID, s.state, st)
	s.state = st
	s.emitLocked(event.Event{Type: event.SessionStateChanged, State: st})
}

// Open starts connecting. Only valid from Idle; a call while a connect
// attempt is already in flight is an idempotent no-op. The connection is
// established asynchronously; progress arrives as events.
func (s *Session) Open() error {
	s.mu.Lock()
	if s.opening || s.state.HasTransport() {
		s.mu.Unlock()
		return nil // already connecting or connected
	}
	if s.state != model.StateIdle {
		s.mu.Unlock()
		return ErrInvalidState
	}
	s.opening = true
	s.setStateLocked(model.StateConnecting)
	closeCh := s.closeCh
	s.mu.Unlock()

	go s.connect(closeCh)
	return nil
}

// Reopen resets a Disconnected or Failed session back to Idle and starts a
// fresh connection attempt. It is the only way out of a terminal state.
func (s *Session) Reopen() error {
	s.mu.Lock()
	if !s.state.Terminal() {
		s.mu.Unlock()
		return ErrInvalidState
	}
	s.muted = false
	s.reconnectAttempts = 0
	s.closeCh = make(chan struct{})
	s.setStateLocked(model.StateIdle)
	s.mu.Unlock()
	return s.Open()
}

// connect runs one initial connection attempt. A network-level failure lands
// in Disconnected; rejected credentials or an untrusted host key land in
// Failed. Automatic reconnection only applies to drops of an established
// connection.
func (s *Session) connect(closeCh chan struct{}) {
	err := s.connectOnce(closeCh)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opening = false
	if err == nil || s.muted {
		return
	}
	s.emitLocked(event.Event{Type: event.Error, Err: err})
	if transport.IsAuthError(err) || transport.IsHostKeyError(err) {
		s.setStateLocked(model.StateFailed)
	} else {
		s.setStateLocked(model.StateDisconnected)
	}
}

// connectOnce dials, authenticates, and on success installs the connection
// and starts the read loop. It returns nil on success.
func (s *Session) connectOnce(closeCh chan struct{}) error {
	timeout := s.opts.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	go func() {
		select {
		case <-closeCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	cfg := transport.Config{
		HostKeys:    s.opts.HostKeys,
		Decider:     s.opts.Decider,
		DialTimeout: s.opts.DialTimeout,
		AuthStarted: func() {
			s.mu.Lock()
			if s.state == model.StateConnecting {
				s.setStateLocked(model.StateAuthenticating)
			}
			s.mu.Unlock()
		},
	}
	dialer := s.newDialer(cfg)

	// The secret lives only for the duration of this attempt.
	var secret security.Secret
	if s.Host.Protocol != model.ProtocolTelnet && s.Host.Auth != model.AuthAgent {
		v, err := s.creds.Get(s.Host.ID)
		if err != nil && !errors.Is(err, secrets.ErrNotFound) {
			return err
		}
		secret = v
	}
	conn, err := dialer.Dial(ctx, s.Host, secret)
	secret.Zero()
	if err != nil {
		return err
	}

	s.mu.Lock()
	select {
	case <-closeCh:
		// Closed while we were dialing; the connection must not survive.
		s.mu.Unlock()
		_ = conn.Close()
		return nil
	default:
	}
	s.conn = conn
	s.gen++
	gen := s.gen
	s.reconnectAttempts = 0
	s.lastActivityAt = time.Now()
	s.setStateLocked(model.StateConnected)
	s.mu.Unlock()

	go s.readLoop(conn, gen)
	return nil
}

func (s *Session) newDialer(cfg transport.Config) transport.Dialer {
	if s.opts.NewDialer != nil {
		return s.opts.NewDialer(s.Host, cfg)
	}
	return transport.NewDialer(s.Host, cfg)
}

// readLoop pumps the remote byte stream into ShellData events. It exits when
// the transport dies or a newer connection generation supersedes it.
func (s *Session) readLoop(conn transport.Conn, gen int) {
	buf := make([]byte, readBufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.mu.Lock()
			if gen == s.gen {
				s.lastActivityAt = time.Now()
				s.emitLocked(event.Event{Type: event.ShellData, Data: data})
			}
			s.mu.Unlock()
		}
		if err != nil {
			s.transportClosed(gen, err)
			return
		}
	}
}

// transportClosed handles the death of the current connection. A deliberate
// Close has already bumped the generation, making this a no-op.
func (s *Session) transportClosed(gen int, cause error) {
	s.mu.Lock()
	if gen != s.gen || s.conn == nil {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.conn = nil
	s.gen++

	// The transport buffers its death verdict before the read loop sees the
	// terminal error. A nil verdict is a clean remote shutdown (the user
	// exited the shell): no Error event and no reconnection for those.
	clean := false
	select {
	case werr := <-conn.Wait():
		clean = werr == nil
	default:
	}

	policy := s.opts.Reconnect
	reconnect := !clean && policy.Enabled && policy.MaxAttempts > 0
	if clean {
		s.setStateLocked(model.StateDisconnected)
	} else {
		s.emitLocked(event.Event{Type: event.Error,
			Err: &transport.Error{Kind: transport.KindProtocol, Host: s.Host.Address, Err: cause}})
		if reconnect {
			s.setStateLocked(model.StateReconnecting)
		} else {
			s.setStateLocked(model.StateDisconnected)
		}
	}
	closeCh := s.closeCh
	s.mu.Unlock()

	_ = conn.Close()
	if s.term != nil {
		s.term.SessionClosed(s.ID, true)
	}
	if reconnect {
		go s.reconnectLoop(closeCh)
	}
}

// reconnectLoop retries the connection with exponential backoff until it
// succeeds, a fatal error occurs, the attempt budget is exhausted, or the
// session is closed.
func (s *Session) reconnectLoop(closeCh chan struct{}) {
	policy := s.opts.Reconnect
	for {
		s.mu.Lock()
		if s.muted || s.state != model.StateReconnecting {
			s.mu.Unlock()
			return
		}
		s.reconnectAttempts++
		attempt := s.reconnectAttempts
		s.mu.Unlock()

		if attempt > policy.MaxAttempts {
			s.mu.Lock()
			s.setStateLocked(model.StateFailed)
			s.mu.Unlock()
			return
		}

		logging.Infof("session %s: reconnect attempt %d/%d to %s",
			s.ID, attempt, policy.MaxAttempts, s.Host)
		select {
		case <-time.After(policy.Delay(attempt)):
		case <-closeCh:
			return
		}

		s.mu.Lock()
		if s.muted || s.state != model.StateReconnecting {
			s.mu.Unlock()
			return
		}
		s.setStateLocked(model.StateConnecting)
		s.mu.Unlock()

		err := s.connectOnce(closeCh)
		if err == nil {
			return // Connected (or deliberately closed mid-dial)
		}
		s.mu.Lock()
		if s.muted {
			s.mu.Unlock()
			return
		}
		s.emitLocked(event.Event{Type: event.Error, Err: err})
		if transport.IsAuthError(err) || transport.IsHostKeyError(err) {
			s.setStateLocked(model.StateFailed)
			s.mu.Unlock()
			return
		}
		s.setStateLocked(model.StateReconnecting)
		s.mu.Unlock()
	}
}

// Write sends bytes to the remote shell. Only valid while Connected; in any
// other state the payload is dropped and ErrNotConnected returned.
func (s *Session) Write(p []byte) error {
	s.mu.Lock()
	if s.state != model.StateConnected || s.conn == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	conn := s.conn
	s.lastActivityAt = time.Now()
	s.mu.Unlock()

	_, err := conn.Write(p)
	return err
}

// Resize forwards a terminal size change to the transport. Transports
// without a window mechanism treat it as a no-op.
func (s *Session) Resize(rows, cols int) error {
	s.mu.Lock()
	if s.state != model.StateConnected || s.conn == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	conn := s.conn
	s.mu.Unlock()
	return conn.Resize(rows, cols)
}

// OpenSftp opens an SFTP channel on the live connection for the transfer
// engine.
func (s *Session) OpenSftp() (transport.SftpChannel, error) {
	s.mu.Lock()
	if s.state != model.StateConnected || s.conn == nil {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := s.conn
	s.mu.Unlock()
	return conn.OpenSftp()
}

// Close terminates the session from any state. It always lands in
// Disconnected, releases the transport, cancels outstanding transfer tasks,
// and silences the session: after Close returns no further event carries
// this session's id.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.muted {
		s.mu.Unlock()
		return nil
	}
	conn := s.conn
	s.conn = nil
	s.gen++
	select {
	case <-s.closeCh:
	default:
		close(s.closeCh)
	}
	s.setStateLocked(model.StateDisconnected)
	s.muted = true
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if s.term != nil {
		s.term.SessionClosed(s.ID, false)
	}
	return nil
}

