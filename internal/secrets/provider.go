// Copyright (c) 2026 ThongSSH Team
// ThongSSH - SSH/Telnet session core
// This source code is licensed under the MIT license found in the LICENSE file.

// Package secrets defines the credential provider capability interface the
// session core calls to obtain credential material. The backing store (system
// keyring, encrypted file, ...) is an integration choice of the embedding
// application; the core only depends on this narrow contract.
package secrets

import (
	"errors"
	"sync"

	"github.com/lknsfos/thongssh/internal/security"
)

// ErrNotFound is returned by Get when no secret is stored for a host.
// An absent secret is a state, not a failure; callers decide whether to
// prompt, fall back to another auth method, or abort.
var ErrNotFound = errors.New("secrets: no secret for host")

// ErrEmptyHostID guards against storing material that can never be looked
// up again.
var ErrEmptyHostID = errors.New("secrets: empty host id")

// Provider is the capability interface for credential storage. Implementations
// must be safe for concurrent use: multiple sessions authenticating to
// different hosts may call Get at the same time.
type Provider interface {
	// Get returns the secret stored for hostID, or ErrNotFound.
	Get(hostID string) (security.Secret, error)
	// Put stores (or replaces) the secret for hostID.
	Put(hostID string, secret security.Secret) error
	// Delete removes the secret for hostID. Deleting an absent entry is a no-op.
	Delete(hostID string) error
}

// MemoryProvider is a concurrency-safe in-memory Provider. It backs tests and
// acts as a session-scoped cache for embedders that prompt interactively.
type MemoryProvider struct {
	mu      sync.RWMutex
	secrets map[string][]byte
}

// NewMemoryProvider returns an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{secrets: make(map[string][]byte)}
}

// Get returns a copy of the stored secret so callers zeroing their copy do
// not destroy the stored value.
func (m *MemoryProvider) Get(hostID string) (security.Secret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.secrets[hostID]
	if !ok {
		return nil, ErrNotFound
	}
	return security.FromBytes(v), nil
}

// Put stores a copy of the secret for hostID.
func (m *MemoryProvider) Put(hostID string, secret security.Secret) error {
	if hostID == "" {
		return ErrEmptyHostID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[hostID] = secret.Bytes()
	return nil
}

// Delete wipes and removes the secret for hostID.
func (m *MemoryProvider) Delete(hostID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.secrets[hostID]; ok {
		for i := range v {
			v[i] = 0
		}
		delete(m.secrets, hostID)
	}
	return nil
}
