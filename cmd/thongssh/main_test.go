// Copyright (c) 2026 ThongSSH Team
// ThongSSH - SSH/Telnet session core
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/lknsfos/thongssh/internal/i18n"
	"github.com/lknsfos/thongssh/internal/model"
	"github.com/lknsfos/thongssh/internal/transport"
)

func TestParseTarget(t *testing.T) {
	cases := []struct {
		in       string
		user     string
		address  string
		port     int
		wantAddr string
		wantErr  bool
	}{
		{in: "root@box.example", user: "root", address: "box.example", wantAddr: "box.example:22"},
		{in: "box.example", address: "box.example", wantAddr: "box.example:22"},
		{in: "root@box.example:2222", user: "root", address: "box.example", port: 2222, wantAddr: "box.example:2222"},
		{in: "admin@10.0.0.5:23", user: "admin", address: "10.0.0.5", port: 23, wantAddr: "10.0.0.5:23"},
		{in: "root@box.example:notaport", wantErr: true},
		{in: "", wantErr: true},
		{in: "root@", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			h, err := parseTarget(tc.in, model.ProtocolSSH)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("parseTarget(%q) succeeded, want error", tc.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseTarget(%q): %v", tc.in, err)
			}
			if h.Username != tc.user {
				t.Errorf("user = %q, want %q", h.Username, tc.user)
			}
			if h.Address != tc.address {
				t.Errorf("address = %q, want %q", h.Address, tc.address)
			}
			if h.Port != tc.port {
				t.Errorf("port = %d, want %d", h.Port, tc.port)
			}
			if h.Addr() != tc.wantAddr {
				t.Errorf("Addr() = %q, want %q", h.Addr(), tc.wantAddr)
			}
		})
	}
}

func TestParseTargetTelnetDefaultPort(t *testing.T) {
	h, err := parseTarget("router.example", model.ProtocolTelnet)
	if err != nil {
		t.Fatalf("parseTarget: %v", err)
	}
	if h.Addr() != "router.example:23" {
		t.Fatalf("Addr() = %q, want router.example:23", h.Addr())
	}
}

func TestPromptDeciderUnknownKey(t *testing.T) {
	i18n.Init("en")
	cases := []struct {
		answer string
		want   transport.Decision
	}{
		{"y\n", transport.Accept},
		{"yes\n", transport.Accept},
		{"n\n", transport.Reject},
		{"\n", transport.Reject},
	}
	for _, tc := range cases {
		var out bytes.Buffer
		d := &promptDecider{in: strings.NewReader(tc.answer), out: &out}
		got := d.Decide("box.example", "SHA256:abcdef", "ssh-ed25519 AAA...", "")
		if got != tc.want {
			t.Errorf("answer %q: decision = %v, want %v", strings.TrimSpace(tc.answer), got, tc.want)
		}
		if !strings.Contains(out.String(), "SHA256:abcdef") {
			t.Errorf("prompt did not show the fingerprint: %q", out.String())
		}
	}
}

// A key mismatch must never be accepted from the inline prompt.
func TestPromptDeciderMismatchAlwaysRejected(t *testing.T) {
	i18n.Init("en")
	var out bytes.Buffer
	d := &promptDecider{in: strings.NewReader("y\n"), out: &out}
	got := d.Decide("box.example", "SHA256:abcdef", "ssh-ed25519 BBB...", "ssh-ed25519 AAA...")
	if got != transport.Reject {
		t.Fatalf("mismatching key accepted: %v", got)
	}
	if !strings.Contains(out.String(), "MISMATCH") {
		t.Errorf("mismatch warning missing: %q", out.String())
	}
}

func TestRootCommandWiring(t *testing.T) {
	cmd := newRootCmd()
	for _, name := range []string{"connect", "ls", "get", "put", "trust-host", "version"} {
		found := false
		for _, sub := range cmd.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}
