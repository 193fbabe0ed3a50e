// Copyright (c) 2026 ThongSSH Team
// ThongSSH - SSH/Telnet session core
// This source code is licensed under the MIT license found in the LICENSE file.

// Package testutil provides in-memory test doubles for the transport
// contracts, so session and transfer tests run without real network
// operations.
package testutil

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/lknsfos/thongssh/internal/model"
	"github.com/lknsfos/thongssh/internal/security"
	"github.com/lknsfos/thongssh/internal/transport"
)

// ErrNoMoreResults is returned by FakeDialer once its script is exhausted.
var ErrNoMoreResults = errors.New("testutil: dialer script exhausted")

type feedItem struct {
	data []byte
	err  error
}

// FakeConn is a scriptable transport.Conn. Tests feed remote output with
// Feed, kill the connection with Fail, and inspect what the session wrote.
type FakeConn struct {
	// SftpCh is returned by OpenSftp. When nil, OpenSftp reports
	// transport.ErrSftpUnsupported unless SftpErr overrides it.
	SftpCh  transport.SftpChannel
	SftpErr error

	feed   chan feedItem
	done   chan struct{}
	waitCh chan error

	mu      sync.Mutex
	writes  []byte
	resizes [][2]int
	closed  bool
	waitSet bool
}

// NewFakeConn returns an open fake connection.
func NewFakeConn() *FakeConn {
	return &FakeConn{
		feed:   make(chan feedItem, 16),
		done:   make(chan struct{}),
		waitCh: make(chan error, 1),
	}
}

// Feed queues remote output for the next Read.
func (c *FakeConn) Feed(p []byte) { c.feed <- feedItem{data: p} }

// Fail makes the next Read return err, simulating a dead transport. The
// death verdict is recorded first, matching the real transports' ordering.
func (c *FakeConn) Fail(err error) {
	c.recordDeath(err)
	c.feed <- feedItem{err: err}
}

// Exit simulates the remote side ending the session cleanly: Read returns
// io.EOF and Wait reports a clean shutdown.
func (c *FakeConn) Exit() {
	c.recordDeath(nil)
	c.feed <- feedItem{err: io.EOF}
}

func (c *FakeConn) Read(p []byte) (int, error) {
	select {
	case item := <-c.feed:
		n := copy(p, item.data)
		return n, item.err
	case <-c.done:
		return 0, io.EOF
	}
}

func (c *FakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, errors.New("testutil: write on closed conn")
	}
	c.writes = append(c.writes, p...)
	return len(p), nil
}

// Written returns everything the session wrote so far.
func (c *FakeConn) Written() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

func (c *FakeConn) Resize(rows, cols int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resizes = append(c.resizes, [2]int{rows, cols})
	return nil
}

// Resizes returns the recorded size changes.
func (c *FakeConn) Resizes() [][2]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][2]int, len(c.resizes))
	copy(out, c.resizes)
	return out
}

func (c *FakeConn) OpenSftp() (transport.SftpChannel, error) {
	if c.SftpErr != nil {
		return nil, c.SftpErr
	}
	if c.SftpCh == nil {
		return nil, transport.ErrSftpUnsupported
	}
	return c.SftpCh, nil
}

func (c *FakeConn) Wait() <-chan error { return c.waitCh }

// Closed reports whether Close was called.
func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *FakeConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
	c.recordDeath(nil)
	return nil
}

func (c *FakeConn) recordDeath(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waitSet {
		return
	}
	c.waitSet = true
	c.waitCh <- err
	close(c.waitCh)
}

// DialResult is one scripted outcome of FakeDialer.Dial.
type DialResult struct {
	Conn transport.Conn
	Err  error
}

// FakeDialer returns scripted results in order. It records every dial and
// whether a secret was supplied, and fires cfg.AuthStarted before returning
// so state-machine tests see the Authenticating phase.
type FakeDialer struct {
	mu      sync.Mutex
	results []DialResult
	cfg     transport.Config
	dials   int
	secrets []bool
}

// NewFakeDialer returns a dialer scripted with the given results.
func NewFakeDialer(results ...DialResult) *FakeDialer {
	return &FakeDialer{results: results}
}

// Append adds further results to the script.
func (d *FakeDialer) Append(results ...DialResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results = append(d.results, results...)
}

// Factory returns a transport factory for session Options, capturing the
// config the session built.
func (d *FakeDialer) Factory() func(model.HostDescriptor, transport.Config) transport.Dialer {
	return func(_ model.HostDescriptor, cfg transport.Config) transport.Dialer {
		d.mu.Lock()
		d.cfg = cfg
		d.mu.Unlock()
		return d
	}
}

// Dial pops the next scripted result.
func (d *FakeDialer) Dial(ctx context.Context, host model.HostDescriptor, secret security.Secret) (transport.Conn, error) {
	d.mu.Lock()
	d.dials++
	d.secrets = append(d.secrets, !secret.IsZero())
	auth := d.cfg.AuthStarted
	var res DialResult
	if len(d.results) == 0 {
		d.mu.Unlock()
		return nil, ErrNoMoreResults
	}
	res = d.results[0]
	d.results = d.results[1:]
	d.mu.Unlock()

	if auth != nil {
		auth()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return res.Conn, res.Err
}

// Dials returns how many times Dial ran.
func (d *FakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// SecretSupplied reports whether dial n (0-based) received a non-empty secret.
func (d *FakeDialer) SecretSupplied(n int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return n < len(d.secrets) && d.secrets[n]
}

// ScriptDecider is a HostKeyDecider answering with a fixed decision and
// recording what it was asked.
type ScriptDecider struct {
	Decision transport.Decision

	mu    sync.Mutex
	calls []DeciderCall
}

// DeciderCall records one trust query.
type DeciderCall struct {
	Host, Fingerprint, Presented, Known string
}

func (d *ScriptDecider) Decide(host, fingerprint, presented, known string) transport.Decision {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, DeciderCall{host, fingerprint, presented, known})
	return d.Decision
}

// Calls returns the recorded trust queries.
func (d *ScriptDecider) Calls() []DeciderCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DeciderCall, len(d.calls))
	copy(out, d.calls)
	return out
}
