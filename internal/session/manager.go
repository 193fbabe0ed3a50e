// Copyright (c) 2026 ThongSSH Team
// ThongSSH - SSH/Telnet session core
// This source code is licensed under the MIT license found in the LICENSE file.

package session

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/lknsfos/thongssh/internal/event"
	"github.com/lknsfos/thongssh/internal/logging"
	"github.com/lknsfos/thongssh/internal/model"
	"github.com/lknsfos/thongssh/internal/secrets"
	"github.com/lknsfos/thongssh/internal/transfer"
)

// ErrUnknownSession is returned when an id does not name an active session.
// Passing an unknown id is a caller contract violation, not a recoverable
// condition.
var ErrUnknownSession = errors.New("session: unknown session id")

// ErrAlreadyConnecting is returned by Create while another session for the
// same host is still connecting or authenticating.
var ErrAlreadyConnecting = errors.New("session: a session for this host is already connecting")

// ErrInvalidHost is returned by Create for a host descriptor that cannot be
// dialed.
var ErrInvalidHost = errors.New("session: invalid host descriptor")

// ErrShutdown is returned after the manager has been shut down.
var ErrShutdown = errors.New("session: manager shut down")

// Manager owns the active session set and the transfer engine, and routes
// commands by session id. It is the single entry point of the session core.
type Manager struct {
	bus    *event.Bus
	creds  secrets.Provider
	engine *transfer.Engine
	opts   Options

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager builds a manager with its own event bus and transfer engine.
// creds is consulted per connection attempt; secrets never outlive one.
func NewManager(creds secrets.Provider, opts Options) *Manager {
	bus := event.NewBus()
	return &Manager{
		bus:      bus,
		creds:    creds,
		engine:   transfer.NewEngine(bus),
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// Create registers a session for host and returns its id. The session starts
// in Idle; nothing is dialed until Open. A second Create for a host whose
// session is still Connecting or Authenticating is refused with
// ErrAlreadyConnecting.
func (m *Manager) Create(host model.HostDescriptor) (string, error) {
	if host.Address == "" {
		return "", ErrInvalidHost
	}
	if host.Protocol == "" {
		host.Protocol = model.ProtocolSSH
	}
	if host.ID == "" {
		host.ID = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrShutdown
	}
	for _, s := range m.sessions {
		if s.Host.ID != host.ID {
			continue
		}
		switch s.State() {
		case model.StateConnecting, model.StateAuthenticating:
			return "", ErrAlreadyConnecting
		}
	}

	id := uuid.NewString()
	m.sessions[id] = newSession(id, host, m.creds, m.bus, m.engine, m.opts)
	logging.Debugf("manager: created session %s for %s", id, host)
	return id, nil
}

// get resolves an id under the lock.
func (m *Manager) get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	return s, nil
}

// Get returns the live session for id.
func (m *Manager) Get(id string) (*Session, error) {
	return m.get(id)
}

// Open starts connecting the session.
func (m *Manager) Open(id string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	return s.Open()
}

// Reopen restarts a Disconnected or Failed session.
func (m *Manager) Reopen(id string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	return s.Reopen()
}

// Send writes bytes to the session's remote shell.
func (m *Manager) Send(id string, p []byte) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	return s.Write(p)
}

// Resize forwards a terminal size change.
func (m *Manager) Resize(id string, rows, cols int) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	return s.Resize(rows, cols)
}

// Close terminates the session and removes it from the active set. After
// Close returns, no further event carries this id and the id is unknown.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}
	return s.Close()
}

// List returns snapshots of all active sessions.
func (m *Manager) List() []Info {
	m.mu.Lock()
	ss := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		ss = append(ss, s)
	}
	m.mu.Unlock()

	infos := make([]Info, 0, len(ss))
	for _, s := range ss {
		infos = append(infos, s.Info())
	}
	return infos
}

// Subscribe returns an ordered event stream for one session, or for all
// sessions with event.All.
func (m *Manager) Subscribe(sessionID string) *event.Subscription {
	return m.bus.Subscribe(sessionID)
}

// Transfers exposes the transfer engine for task inspection and cancellation.
func (m *Manager) Transfers() *transfer.Engine { return m.engine }

// ListDir starts a remote directory listing on the session.
func (m *Manager) ListDir(id, path string) (model.TransferTask, error) {
	s, err := m.get(id)
	if err != nil {
		return model.TransferTask{}, err
	}
	return m.engine.List(s, s.ID, s.Host.String(), path), nil
}

// Download starts fetching remotePath into localPath.
func (m *Manager) Download(id, remotePath, localPath string) (model.TransferTask, error) {
	s, err := m.get(id)
	if err != nil {
		return model.TransferTask{}, err
	}
	return m.engine.Get(s, s.ID, s.Host.String(), remotePath, localPath), nil
}

// Upload starts sending localPath to remotePath.
func (m *Manager) Upload(id, localPath, remotePath string) (model.TransferTask, error) {
	s, err := m.get(id)
	if err != nil {
		return model.TransferTask{}, err
	}
	return m.engine.Put(s, s.ID, s.Host.String(), localPath, remotePath), nil
}

// Mkdir starts a remote directory creation.
func (m *Manager) Mkdir(id, path string) (model.TransferTask, error) {
	s, err := m.get(id)
	if err != nil {
		return model.TransferTask{}, err
	}
	return m.engine.Mkdir(s, s.ID, s.Host.String(), path), nil
}

// Remove starts a remote removal.
func (m *Manager) Remove(id, path string) (model.TransferTask, error) {
	s, err := m.get(id)
	if err != nil {
		return model.TransferTask{}, err
	}
	return m.engine.Remove(s, s.ID, s.Host.String(), path), nil
}

// Rename starts a remote rename.
func (m *Manager) Rename(id, oldPath, newPath string) (model.TransferTask, error) {
	s, err := m.get(id)
	if err != nil {
		return model.TransferTask{}, err
	}
	return m.engine.Rename(s, s.ID, s.Host.String(), oldPath, newPath), nil
}

// CancelTransfer cancels one transfer task.
func (m *Manager) CancelTransfer(taskID string) error {
	return m.engine.Cancel(taskID)
}

// Shutdown closes every session and the event bus. The manager is unusable
// afterwards.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	ss := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		ss = append(ss, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range ss {
		_ = s.Close()
	}
	m.engine.Shutdown()
	m.bus.Close()
}
