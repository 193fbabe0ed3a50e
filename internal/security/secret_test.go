// Copyright (c) 2026 ThongSSH Team
// ThongSSH - SSH/Telnet session core
// This source code is licensed under the MIT license found in the LICENSE file.

package security

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
)

func TestSecretRedaction(t *testing.T) {
	s := FromString("hunter2")

	cases := []struct {
		name string
		got  string
	}{
		{"String", s.String()},
		{"Sprintf-v", fmt.Sprintf("%v", s)},
		{"Sprintf-s", fmt.Sprintf("%s", s)},
		{"Sprintf-sharp-v", fmt.Sprintf("%#v", s)},
		{"Redacted", s.Redacted()},
	}
	for _, tc := range cases {
		if strings.Contains(tc.got, "hunter2") {
			t.Errorf("%s leaked secret material: %q", tc.name, tc.got)
		}
		if !strings.Contains(tc.got, "[SECRET]") {
			t.Errorf("%s = %q, want redaction placeholder", tc.name, tc.got)
		}
	}
}

func TestSecretMarshalJSON(t *testing.T) {
	type payload struct {
		Password Secret `json:"password"`
	}
	data, err := json.Marshal(payload{Password: FromString("hunter2")})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "hunter2") {
		t.Fatalf("JSON leaked secret material: %s", data)
	}
	if !strings.Contains(string(data), "[SECRET]") {
		t.Fatalf("JSON = %s, want redaction placeholder", data)
	}
}

func TestSecretZero(t *testing.T) {
	s := FromString("topsecret")
	s.Zero()
	for i, b := range s {
		if b != 0 {
			t.Fatalf("byte %d not zeroed: %v", i, b)
		}
	}

	var nilSecret Secret
	nilSecret.Zero() // must not panic
	if !nilSecret.IsZero() {
		t.Errorf("nil secret should be zero")
	}
}

func TestSecretBytesIsACopy(t *testing.T) {
	s := FromString("abc")
	b := s.Bytes()
	b[0] = 'x'
	if s[0] != 'a' {
		t.Fatalf("Bytes() did not copy; original mutated to %q", s[0])
	}
}

func TestFromBytesCopies(t *testing.T) {
	in := []byte("abc")
	s := FromBytes(in)
	in[0] = 'x'
	if s[0] != 'a' {
		t.Fatalf("FromBytes did not copy; secret mutated to %q", s[0])
	}
}

func TestSecretUse(t *testing.T) {
	s := FromString("abc")
	var seen string
	err := s.Use(func(b []byte) error {
		seen = string(b)
		return nil
	})
	if err != nil {
		t.Fatalf("Use: %v", err)
	}
	if seen != "abc" {
		t.Fatalf("Use saw %q, want abc", seen)
	}
}
