// Copyright (c) 2026 ThongSSH Team
// ThongSSH - SSH/Telnet session core
// This source code is licensed under the MIT license found in the LICENSE file.

package session_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lknsfos/thongssh/internal/config"
	"github.com/lknsfos/thongssh/internal/event"
	"github.com/lknsfos/thongssh/internal/model"
	"github.com/lknsfos/thongssh/internal/secrets"
	"github.com/lknsfos/thongssh/internal/security"
	"github.com/lknsfos/thongssh/internal/session"
	"github.com/lknsfos/thongssh/internal/testutil"
	"github.com/lknsfos/thongssh/internal/transport"
)

func testHost() model.HostDescriptor {
	return model.HostDescriptor{
		ID:       "h1",
		Name:     "box",
		Address:  "box.example",
		Protocol: model.ProtocolSSH,
		Username: "root",
		Auth:     model.AuthPassword,
	}
}

func fastPolicy(attempts int) config.ReconnectPolicy {
	return config.ReconnectPolicy{
		Enabled:     true,
		BaseDelay:   1 * time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		MaxAttempts: attempts,
	}
}

func newManager(d *testutil.FakeDialer, pol config.ReconnectPolicy) *session.Manager {
	return session.NewManager(secrets.NewMemoryProvider(), session.Options{
		DialTimeout: 2 * time.Second,
		Reconnect:   pol,
		NewDialer:   d.Factory(),
	})
}

// nextState returns the next state-change event, skipping other event types.
func nextState(t *testing.T, sub *event.Subscription) model.SessionState {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("event channel closed while waiting for a state change")
			}
			if ev.Type == event.SessionStateChanged {
				return ev.State
			}
		case <-deadline:
			t.Fatalf("timed out waiting for a state change")
		}
	}
}

// waitState drains events until the wanted state is announced, returning all
// errors seen on the way.
func waitState(t *testing.T, sub *event.Subscription, want model.SessionState) []error {
	t.Helper()
	var errs []error
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("event channel closed while waiting for %s", want)
			}
			if ev.Type == event.Error {
				errs = append(errs, ev.Err)
			}
			if ev.Type == event.SessionStateChanged && ev.State == want {
				return errs
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

// waitTaskProgress drains events until the task reports transferred bytes.
func waitTaskProgress(t *testing.T, sub *event.Subscription, taskID string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("event channel closed while waiting for transfer progress")
			}
			if ev.Type == event.TransferProgress && ev.Task != nil &&
				ev.Task.ID == taskID && ev.Task.BytesTransferred > 0 {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for transfer progress")
		}
	}
}

func waitShellData(t *testing.T, sub *event.Subscription) []byte {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("event channel closed while waiting for shell data")
			}
			if ev.Type == event.ShellData {
				return ev.Data
			}
		case <-deadline:
			t.Fatalf("timed out waiting for shell data")
		}
	}
}

func TestOpenLifecycle(t *testing.T) {
	conn := testutil.NewFakeConn()
	d := testutil.NewFakeDialer(testutil.DialResult{Conn: conn})
	m := newManager(d, config.ReconnectPolicy{})
	defer m.Shutdown()

	id, err := m.Create(testHost())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sub := m.Subscribe(id)
	defer sub.Close()

	if err := m.Open(id); err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, want := range []model.SessionState{
		model.StateConnecting,
		model.StateAuthenticating,
		model.StateConnected,
	} {
		if got := nextState(t, sub); got != want {
			t.Fatalf("state = %s, want %s", got, want)
		}
	}

	conn.Feed([]byte("login banner"))
	if got := waitShellData(t, sub); string(got) != "login banner" {
		t.Fatalf("shell data = %q, want login banner", got)
	}

	if err := m.Send(id, []byte("ls\n")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := conn.Written(); !bytes.Equal(got, []byte("ls\n")) {
		t.Fatalf("written = %q, want ls\\n", got)
	}

	if err := m.Resize(id, 50, 132); err != nil {
		t.Fatalf("resize: %v", err)
	}
	if rs := conn.Resizes(); len(rs) != 1 || rs[0] != [2]int{50, 132} {
		t.Fatalf("resizes = %v, want [[50 132]]", rs)
	}

	if err := m.Close(id); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := nextState(t, sub); got != model.StateDisconnected {
		t.Fatalf("state after close = %s, want disconnected", got)
	}
	if !conn.Closed() {
		t.Fatalf("transport not released on close")
	}
	if _, err := m.Get(id); !errors.Is(err, session.ErrUnknownSession) {
		t.Fatalf("session still known after close: %v", err)
	}
}

// After Close returns, no further event may carry the session's id — not
// from the dead transport and not from transfers that were in flight.
func TestNoEventsAfterClose(t *testing.T) {
	ch := testutil.NewFakeSftp()
	ch.WriteGate = make(chan struct{})
	conn := testutil.NewFakeConn()
	conn.SftpCh = ch
	d := testutil.NewFakeDialer(testutil.DialResult{Conn: conn})
	m := newManager(d, fastPolicy(5))
	defer m.Shutdown()

	id, _ := m.Create(testHost())
	sub := m.Subscribe(id)
	defer sub.Close()
	_ = m.Open(id)
	waitState(t, sub, model.StateConnected)

	local := filepath.Join(t.TempDir(), "big.bin")
	if err := os.WriteFile(local, make([]byte, 256*1024), 0600); err != nil {
		t.Fatalf("write local file: %v", err)
	}
	task, err := m.Upload(id, local, "/remote/big.bin")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	ch.WriteGate <- struct{}{} // let one chunk through
	waitTaskProgress(t, sub, task.ID)

	if err := m.Close(id); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitState(t, sub, model.StateDisconnected)
	close(ch.WriteGate) // release the cancelled upload

	select {
	case ev, ok := <-sub.Events():
		if ok {
			t.Fatalf("event after close: %v", ev.Type)
		}
	case <-time.After(200 * time.Millisecond):
	}
}

// A clean remote exit (the user ended the shell) lands in Disconnected with
// no Error event and no reconnection attempt.
func TestCleanRemoteExitDisconnects(t *testing.T) {
	conn := testutil.NewFakeConn()
	d := testutil.NewFakeDialer(testutil.DialResult{Conn: conn})
	// Reconnect enabled on purpose: a clean exit must not trigger it.
	m := newManager(d, fastPolicy(5))
	defer m.Shutdown()

	id, _ := m.Create(testHost())
	sub := m.Subscribe(id)
	defer sub.Close()
	_ = m.Open(id)
	waitState(t, sub, model.StateConnected)

	conn.Exit()

	errs := waitState(t, sub, model.StateDisconnected)
	if len(errs) != 0 {
		t.Fatalf("clean exit produced error events: %v", errs)
	}
	time.Sleep(20 * time.Millisecond)
	if d.Dials() != 1 {
		t.Fatalf("clean exit triggered a reconnect: %d dials", d.Dials())
	}
}

func TestAuthFailureLandsInFailed(t *testing.T) {
	d := testutil.NewFakeDialer(testutil.DialResult{
		Err: &transport.Error{Kind: transport.KindAuthRejected, Host: "box.example", Err: errors.New("bad password")},
	})
	// Reconnect enabled on purpose: auth failures must not trigger it.
	m := newManager(d, fastPolicy(5))
	defer m.Shutdown()

	id, _ := m.Create(testHost())
	sub := m.Subscribe(id)
	defer sub.Close()
	_ = m.Open(id)

	errs := waitState(t, sub, model.StateFailed)
	if len(errs) == 0 || !transport.IsAuthError(errs[0]) {
		t.Fatalf("expected an auth error event, got %v", errs)
	}
	// Give any (wrong) retry a chance to show up.
	time.Sleep(20 * time.Millisecond)
	if d.Dials() != 1 {
		t.Fatalf("auth failure retried: %d dials", d.Dials())
	}
}

func TestHostKeyRejectionLandsInFailed(t *testing.T) {
	d := testutil.NewFakeDialer(testutil.DialResult{
		Err: &transport.Error{Kind: transport.KindHostKeyUnknown, Host: "box.example"},
	})
	m := newManager(d, fastPolicy(5))
	defer m.Shutdown()

	id, _ := m.Create(testHost())
	sub := m.Subscribe(id)
	defer sub.Close()
	_ = m.Open(id)

	waitState(t, sub, model.StateFailed)
	if d.Dials() != 1 {
		t.Fatalf("host key rejection retried: %d dials", d.Dials())
	}
}

// A failed initial connect is not a drop; it must not auto-reconnect.
func TestInitialNetworkFailureDoesNotRetry(t *testing.T) {
	d := testutil.NewFakeDialer(testutil.DialResult{
		Err: &transport.Error{Kind: transport.KindConnectionRefused, Host: "box.example"},
	})
	m := newManager(d, fastPolicy(5))
	defer m.Shutdown()

	id, _ := m.Create(testHost())
	sub := m.Subscribe(id)
	defer sub.Close()
	_ = m.Open(id)

	waitState(t, sub, model.StateDisconnected)
	time.Sleep(20 * time.Millisecond)
	if d.Dials() != 1 {
		t.Fatalf("initial failure retried: %d dials", d.Dials())
	}
}

func TestDropTriggersReconnect(t *testing.T) {
	conn1 := testutil.NewFakeConn()
	conn2 := testutil.NewFakeConn()
	d := testutil.NewFakeDialer(
		testutil.DialResult{Conn: conn1},
		testutil.DialResult{Conn: conn2},
	)
	m := newManager(d, fastPolicy(5))
	defer m.Shutdown()

	id, _ := m.Create(testHost())
	sub := m.Subscribe(id)
	defer sub.Close()
	_ = m.Open(id)
	waitState(t, sub, model.StateConnected)

	conn1.Fail(io.ErrUnexpectedEOF)

	waitState(t, sub, model.StateReconnecting)
	waitState(t, sub, model.StateConnected)
	if d.Dials() != 2 {
		t.Fatalf("dials = %d, want 2", d.Dials())
	}

	// The replacement connection carries the session now.
	conn2.Feed([]byte("back"))
	if got := waitShellData(t, sub); string(got) != "back" {
		t.Fatalf("shell data after reconnect = %q, want back", got)
	}

	s, err := m.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if n := s.Info().ReconnectAttempts; n != 0 {
		t.Fatalf("attempt counter not reset after success: %d", n)
	}
}

func TestReconnectBudgetExhausted(t *testing.T) {
	conn1 := testutil.NewFakeConn()
	refused := testutil.DialResult{
		Err: &transport.Error{Kind: transport.KindConnectionRefused, Host: "box.example"},
	}
	d := testutil.NewFakeDialer(testutil.DialResult{Conn: conn1}, refused, refused, refused)
	m := newManager(d, fastPolicy(3))
	defer m.Shutdown()

	id, _ := m.Create(testHost())
	sub := m.Subscribe(id)
	defer sub.Close()
	_ = m.Open(id)
	waitState(t, sub, model.StateConnected)

	conn1.Fail(io.ErrUnexpectedEOF)

	waitState(t, sub, model.StateFailed)
	if d.Dials() != 4 {
		t.Fatalf("dials = %d, want 1 connect + 3 reconnect attempts", d.Dials())
	}
}

func TestAuthFailureDuringReconnectStops(t *testing.T) {
	conn1 := testutil.NewFakeConn()
	d := testutil.NewFakeDialer(
		testutil.DialResult{Conn: conn1},
		testutil.DialResult{Err: &transport.Error{Kind: transport.KindAuthRejected, Host: "box.example"}},
	)
	m := newManager(d, fastPolicy(5))
	defer m.Shutdown()

	id, _ := m.Create(testHost())
	sub := m.Subscribe(id)
	defer sub.Close()
	_ = m.Open(id)
	waitState(t, sub, model.StateConnected)

	conn1.Fail(io.ErrUnexpectedEOF)

	waitState(t, sub, model.StateFailed)
	time.Sleep(20 * time.Millisecond)
	if d.Dials() != 2 {
		t.Fatalf("dials = %d, want 2 (no retry after auth rejection)", d.Dials())
	}
}

func TestCloseWhileReconnecting(t *testing.T) {
	conn1 := testutil.NewFakeConn()
	d := testutil.NewFakeDialer(testutil.DialResult{Conn: conn1})
	// Long backoff keeps the session parked in Reconnecting.
	pol := config.ReconnectPolicy{Enabled: true, BaseDelay: time.Minute, MaxDelay: time.Minute, MaxAttempts: 5}
	m := newManager(d, pol)
	defer m.Shutdown()

	id, _ := m.Create(testHost())
	sub := m.Subscribe(id)
	defer sub.Close()
	_ = m.Open(id)
	waitState(t, sub, model.StateConnected)

	conn1.Fail(io.ErrUnexpectedEOF)
	waitState(t, sub, model.StateReconnecting)

	if err := m.Close(id); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitState(t, sub, model.StateDisconnected)
	select {
	case ev, ok := <-sub.Events():
		if ok {
			t.Fatalf("event after close: %v", ev.Type)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendWhenNotConnected(t *testing.T) {
	d := testutil.NewFakeDialer()
	m := newManager(d, config.ReconnectPolicy{})
	defer m.Shutdown()

	id, _ := m.Create(testHost())
	if err := m.Send(id, []byte("dropped")); !errors.Is(err, session.ErrNotConnected) {
		t.Fatalf("send on idle session = %v, want ErrNotConnected", err)
	}
	if err := m.Resize(id, 24, 80); !errors.Is(err, session.ErrNotConnected) {
		t.Fatalf("resize on idle session = %v, want ErrNotConnected", err)
	}
}

func TestReopenAfterFailure(t *testing.T) {
	conn := testutil.NewFakeConn()
	d := testutil.NewFakeDialer(
		testutil.DialResult{Err: &transport.Error{Kind: transport.KindAuthRejected, Host: "box.example"}},
		testutil.DialResult{Conn: conn},
	)
	m := newManager(d, config.ReconnectPolicy{})
	defer m.Shutdown()

	id, _ := m.Create(testHost())
	sub := m.Subscribe(id)
	defer sub.Close()
	_ = m.Open(id)
	waitState(t, sub, model.StateFailed)

	if err := m.Reopen(id); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	waitState(t, sub, model.StateConnected)

	// Reopen is only valid from a terminal state.
	if err := m.Reopen(id); !errors.Is(err, session.ErrInvalidState) {
		t.Fatalf("reopen while connected = %v, want ErrInvalidState", err)
	}
}

// blockingDialer parks Dial until released, keeping a session in Connecting.
type blockingDialer struct {
	release chan struct{}
	conn    transport.Conn
}

func (d *blockingDialer) Dial(ctx context.Context, host model.HostDescriptor, secret security.Secret) (transport.Conn, error) {
	select {
	case <-d.release:
		return d.conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestCreateWhileConnectingIsRefused(t *testing.T) {
	bd := &blockingDialer{release: make(chan struct{}), conn: testutil.NewFakeConn()}
	m := session.NewManager(secrets.NewMemoryProvider(), session.Options{
		DialTimeout: 2 * time.Second,
		NewDialer: func(model.HostDescriptor, transport.Config) transport.Dialer {
			return bd
		},
	})
	defer m.Shutdown()

	id, err := m.Create(testHost())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sub := m.Subscribe(id)
	defer sub.Close()
	_ = m.Open(id)
	waitState(t, sub, model.StateConnecting)

	if _, err := m.Create(testHost()); !errors.Is(err, session.ErrAlreadyConnecting) {
		t.Fatalf("second create = %v, want ErrAlreadyConnecting", err)
	}

	// A different host is unaffected.
	other := testHost()
	other.ID = "h2"
	other.Address = "other.example"
	if _, err := m.Create(other); err != nil {
		t.Fatalf("create for other host: %v", err)
	}

	close(bd.release)
	waitState(t, sub, model.StateConnected)

	// Once connected the same host may get a second session.
	if _, err := m.Create(testHost()); err != nil {
		t.Fatalf("create after connect: %v", err)
	}
}

func TestUnknownSessionID(t *testing.T) {
	d := testutil.NewFakeDialer()
	m := newManager(d, config.ReconnectPolicy{})
	defer m.Shutdown()

	for name, err := range map[string]error{
		"open":   m.Open("nope"),
		"close":  m.Close("nope"),
		"send":   m.Send("nope", nil),
		"resize": m.Resize("nope", 24, 80),
		"reopen": m.Reopen("nope"),
	} {
		if !errors.Is(err, session.ErrUnknownSession) {
			t.Errorf("%s = %v, want ErrUnknownSession", name, err)
		}
	}
}

func TestCreateValidation(t *testing.T) {
	d := testutil.NewFakeDialer()
	m := newManager(d, config.ReconnectPolicy{})
	defer m.Shutdown()

	if _, err := m.Create(model.HostDescriptor{}); !errors.Is(err, session.ErrInvalidHost) {
		t.Fatalf("create without address = %v, want ErrInvalidHost", err)
	}
}

func TestSecretFlowsToDialer(t *testing.T) {
	creds := secrets.NewMemoryProvider()
	if err := creds.Put("h1", security.FromString("pw")); err != nil {
		t.Fatalf("put secret: %v", err)
	}
	conn := testutil.NewFakeConn()
	d := testutil.NewFakeDialer(testutil.DialResult{Conn: conn})
	m := session.NewManager(creds, session.Options{
		DialTimeout: 2 * time.Second,
		NewDialer:   d.Factory(),
	})
	defer m.Shutdown()

	id, _ := m.Create(testHost())
	sub := m.Subscribe(id)
	defer sub.Close()
	_ = m.Open(id)
	waitState(t, sub, model.StateConnected)

	if !d.SecretSupplied(0) {
		t.Fatalf("password auth dialed without the stored secret")
	}
}

func TestAgentAuthSkipsCredentialProvider(t *testing.T) {
	conn := testutil.NewFakeConn()
	d := testutil.NewFakeDialer(testutil.DialResult{Conn: conn})
	m := newManager(d, config.ReconnectPolicy{})
	defer m.Shutdown()

	host := testHost()
	host.Auth = model.AuthAgent
	id, _ := m.Create(host)
	sub := m.Subscribe(id)
	defer sub.Close()
	_ = m.Open(id)
	waitState(t, sub, model.StateConnected)

	if d.SecretSupplied(0) {
		t.Fatalf("agent auth must not receive a stored secret")
	}
}

func TestManagerShutdown(t *testing.T) {
	conn := testutil.NewFakeConn()
	d := testutil.NewFakeDialer(testutil.DialResult{Conn: conn})
	m := newManager(d, config.ReconnectPolicy{})

	id, _ := m.Create(testHost())
	sub := m.Subscribe(id)
	_ = m.Open(id)
	waitState(t, sub, model.StateConnected)

	m.Shutdown()
	if !conn.Closed() {
		t.Fatalf("shutdown did not release the transport")
	}
	for range sub.Events() {
		// drained; channel must close
	}
	if _, err := m.Create(testHost()); !errors.Is(err, session.ErrShutdown) {
		t.Fatalf("create after shutdown = %v, want ErrShutdown", err)
	}
}

func TestListSessions(t *testing.T) {
	conn := testutil.NewFakeConn()
	d := testutil.NewFakeDialer(testutil.DialResult{Conn: conn})
	m := newManager(d, config.ReconnectPolicy{})
	defer m.Shutdown()

	id, _ := m.Create(testHost())
	infos := m.List()
	if len(infos) != 1 {
		t.Fatalf("list = %d sessions, want 1", len(infos))
	}
	if infos[0].ID != id || infos[0].State != model.StateIdle {
		t.Fatalf("unexpected listing: %+v", infos[0])
	}
}
