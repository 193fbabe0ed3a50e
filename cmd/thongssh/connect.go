// Copyright (c) 2026 ThongSSH Team
// ThongSSH - SSH/Telnet session core
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"
	"golang.org/x/term"

	"github.com/lknsfos/thongssh/internal/event"
	"github.com/lknsfos/thongssh/internal/hostkeys"
	"github.com/lknsfos/thongssh/internal/i18n"
	"github.com/lknsfos/thongssh/internal/logging"
	"github.com/lknsfos/thongssh/internal/model"
	"github.com/lknsfos/thongssh/internal/secrets"
	"github.com/lknsfos/thongssh/internal/security"
	"github.com/lknsfos/thongssh/internal/session"
	"github.com/lknsfos/thongssh/internal/transport"
)

// escapeByte detaches the terminal from the session (Ctrl-]).
const escapeByte = 0x1D

// connectCmd opens an interactive session to a host.
var connectCmd = &cobra.Command{
	Use:   "connect <[user@]host[:port]>",
	Short: "Open an interactive session to a host",
	Long: `Connects to a host over SSH or telnet and attaches the local terminal
to the remote shell. Press Ctrl-] to detach and close the session.`,
	Args: cobra.ExactArgs(1),
	RunE: runConnect,
}

func init() {
	connectCmd.Flags().String("protocol", "ssh", `wire protocol ("ssh", "telnet")`)
	connectCmd.Flags().StringP("key", "i", "", "private key file for public key authentication")
	connectCmd.Flags().Bool("agent", false, "authenticate with the running SSH agent")
	connectCmd.Flags().BoolP("forward-agent", "A", false, "forward the SSH agent to the remote host")
	connectCmd.Flags().Bool("telnet-binary", false, "negotiate telnet binary mode")
	connectCmd.Flags().Bool("telnet-local-echo", false, "echo typed characters locally (telnet)")
}

func runConnect(cmd *cobra.Command, args []string) error {
	host, err := hostFromFlags(cmd, args[0])
	if err != nil {
		return err
	}

	m, id, sub, cleanup, err := openSession(cmd, host)
	if err != nil {
		return err
	}
	defer cleanup()
	defer sub.Close()

	fmt.Println(i18n.Tf("connect.opening", map[string]interface{}{"Host": host.String()}))
	if err := m.Open(id); err != nil {
		return err
	}
	return runTerminal(m, id, sub, host)
}

// hostFromFlags builds the host descriptor from the target argument and the
// connect flags.
func hostFromFlags(cmd *cobra.Command, target string) (model.HostDescriptor, error) {
	protoFlag, _ := cmd.Flags().GetString("protocol")
	proto := model.Protocol(protoFlag)
	if proto != model.ProtocolSSH && proto != model.ProtocolTelnet {
		return model.HostDescriptor{}, fmt.Errorf("unknown protocol %q", protoFlag)
	}

	host, err := parseTarget(target, proto)
	if err != nil {
		return host, err
	}

	if keyPath, _ := cmd.Flags().GetString("key"); keyPath != "" {
		host.Auth = model.AuthPrivateKey
		host.KeyPath = keyPath
	}
	if agent, _ := cmd.Flags().GetBool("agent"); agent {
		host.Auth = model.AuthAgent
	}
	host.ForwardAgent, _ = cmd.Flags().GetBool("forward-agent")
	if b, _ := cmd.Flags().GetBool("telnet-binary"); b || cfg.Telnet.Binary {
		host.TelnetBinary = true
	}
	if e, _ := cmd.Flags().GetBool("telnet-local-echo"); e || cfg.Telnet.LocalEcho {
		host.TelnetLocalEcho = true
	}
	return host, nil
}

// parseTarget splits a [user@]host[:port] target.
func parseTarget(target string, proto model.Protocol) (model.HostDescriptor, error) {
	h := model.HostDescriptor{Protocol: proto, Auth: model.AuthPassword}
	rest := target
	if i := strings.LastIndex(rest, "@"); i >= 0 {
		h.Username = rest[:i]
		rest = rest[i+1:]
	}
	if hostPart, portPart, err := net.SplitHostPort(rest); err == nil {
		port, err := strconv.Atoi(portPart)
		if err != nil || port < 1 || port > 65535 {
			return h, fmt.Errorf("invalid port in target %q", target)
		}
		h.Address = hostPart
		h.Port = port
	} else {
		h.Address = rest
	}
	if h.Address == "" {
		return h, fmt.Errorf("invalid target %q", target)
	}
	h.Name = h.Address
	h.ID = fmt.Sprintf("%s@%s", h.Username, h.Addr())
	return h, nil
}

// openSession builds the host key store, credential provider and session
// manager for one CLI invocation, prompting for credentials as needed.
func openSession(cmd *cobra.Command, host model.HostDescriptor) (*session.Manager, string, *event.Subscription, func(), error) {
	store, err := hostkeys.Open(cfg.HostKeys.DSN)
	if err != nil {
		return nil, "", nil, nil, err
	}

	creds := secrets.NewMemoryProvider()
	if host.Protocol == model.ProtocolSSH {
		if err := gatherCredentials(host, creds); err != nil {
			_ = store.Close()
			return nil, "", nil, nil, err
		}
	}

	m := session.NewManager(creds, session.Options{
		DialTimeout: cfg.Connect.Timeout,
		Reconnect:   cfg.Reconnect,
		HostKeys:    store,
		Decider:     &promptDecider{in: cmd.InOrStdin(), out: cmd.OutOrStdout()},
	})
	cleanup := func() {
		m.Shutdown()
		_ = store.Close()
	}

	id, err := m.Create(host)
	if err != nil {
		cleanup()
		return nil, "", nil, nil, err
	}
	sub := m.Subscribe(id)
	return m, id, sub, cleanup, nil
}

// gatherCredentials prompts for the secret the chosen auth method needs and
// places it in the session-scoped provider. The provider copy is the only
// one that survives this function.
func gatherCredentials(host model.HostDescriptor, creds secrets.Provider) error {
	switch host.Auth {
	case model.AuthPassword:
		pw, err := promptSecret(i18n.Tf("prompt.password", map[string]interface{}{"Host": host.String()}))
		if err != nil {
			return err
		}
		err = creds.Put(host.ID, pw)
		pw.Zero()
		return err
	case model.AuthPrivateKey:
		data, err := os.ReadFile(host.KeyPath)
		if err != nil {
			return err
		}
		_, parseErr := ssh.ParsePrivateKey(data)
		for i := range data {
			data[i] = 0
		}
		var missing *ssh.PassphraseMissingError
		if errors.As(parseErr, &missing) {
			pp, err := promptSecret(i18n.Tf("prompt.passphrase", map[string]interface{}{"Path": host.KeyPath}))
			if err != nil {
				return err
			}
			err = creds.Put(host.ID, pp)
			pp.Zero()
			return err
		}
		return parseErr
	}
	return nil
}

// promptSecret reads a secret from the terminal without echo.
func promptSecret(prompt string) (security.Secret, error) {
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	s := security.FromBytes(raw)
	for i := range raw {
		raw[i] = 0
	}
	return s, nil
}

// promptDecider asks the user about unknown host keys on the terminal. A
// mismatching key is always rejected; re-trusting a re-provisioned host goes
// through the explicit trust-host command.
type promptDecider struct {
	in  io.Reader
	out io.Writer
}

func (p *promptDecider) Decide(host, fingerprint, presented, known string) transport.Decision {
	if known != "" {
		fmt.Fprintln(p.out, i18n.Tf("hostkey.mismatch", map[string]interface{}{"Host": host}))
		return transport.Reject
	}
	fmt.Fprintln(p.out, i18n.Tf("hostkey.unknown", map[string]interface{}{
		"Host":        host,
		"Fingerprint": fingerprint,
	}))
	fmt.Fprint(p.out, i18n.T("hostkey.trust_prompt"))
	line, _ := bufio.NewReader(p.in).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		fmt.Fprintln(p.out, i18n.Tf("hostkey.trusted", map[string]interface{}{"Host": host}))
		return transport.Accept
	}
	return transport.Reject
}

// runTerminal attaches the local terminal to the session and pumps events
// until the session ends.
func runTerminal(m *session.Manager, id string, sub *event.Subscription, host model.HostDescriptor) error {
	stdinFd := int(os.Stdin.Fd())
	var restore func()
	defer func() {
		if restore != nil {
			restore()
		}
	}()
	stopWinch := func() {}
	defer func() { stopWinch() }()

	attached := false
	var lastErr error
	for ev := range sub.Events() {
		switch ev.Type {
		case event.ShellData:
			_, _ = os.Stdout.Write(ev.Data)
		case event.Error:
			lastErr = ev.Err
			logging.Debugf("session error: %v", ev.Err)
		case event.SessionStateChanged:
			switch ev.State {
			case model.StateConnected:
				printStatus(restore != nil, i18n.Tf("connect.connected", map[string]interface{}{"Host": host.String()}))
				if !attached {
					attached = true
					if term.IsTerminal(stdinFd) {
						old, err := term.MakeRaw(stdinFd)
						if err == nil {
							restore = func() { _ = term.Restore(stdinFd, old) }
						}
					}
					go pumpStdin(m, id, host.TelnetLocalEcho)
					stopWinch = watchResize(func() {
						if w, h, err := term.GetSize(stdinFd); err == nil {
							_ = m.Resize(id, h, w)
						}
					})
				}
				if w, h, err := term.GetSize(stdinFd); err == nil {
					_ = m.Resize(id, h, w)
				}
			case model.StateReconnecting:
				attempt := 0
				if s, err := m.Get(id); err == nil {
					attempt = s.Info().ReconnectAttempts + 1
				}
				printStatus(restore != nil, i18n.Tf("connect.reconnecting", map[string]interface{}{"Attempt": attempt}))
			case model.StateFailed:
				msg := "connection failed"
				if lastErr != nil {
					msg = lastErr.Error()
				}
				printStatus(restore != nil, i18n.Tf("connect.failed", map[string]interface{}{
					"Host":  host.String(),
					"Error": msg,
				}))
				return fmt.Errorf("connection to %s failed", host)
			case model.StateDisconnected:
				printStatus(restore != nil, i18n.T("connect.closed"))
				return nil
			}
		}
	}
	return nil
}

// printStatus writes a status line, using CRLF endings while the terminal is
// in raw mode.
func printStatus(raw bool, msg string) {
	if raw {
		fmt.Fprintf(os.Stderr, "%s\r\n", msg)
		return
	}
	fmt.Fprintln(os.Stderr, msg)
}

// pumpStdin forwards local keystrokes to the session until the escape byte
// (Ctrl-]) is seen or the session goes away.
func pumpStdin(m *session.Manager, id string, localEcho bool) {
	buf := make([]byte, 1024)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if i := bytes.IndexByte(chunk, escapeByte); i >= 0 {
				if i > 0 {
					_ = m.Send(id, chunk[:i])
				}
				_ = m.Close(id)
				return
			}
			if localEcho {
				_, _ = os.Stdout.Write(chunk)
			}
			if err := m.Send(id, chunk); err != nil {
				return
			}
		}
		if err != nil {
			_ = m.Close(id)
			return
		}
	}
}
