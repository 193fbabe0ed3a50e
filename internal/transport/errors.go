// Copyright (c) 2026 ThongSSH Team
// ThongSSH - SSH/Telnet session core
// This source code is licensed under the MIT license found in the LICENSE file.

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind classifies a transport failure. Every kind maps to a session state
// transition; none is fatal to the process.
type Kind string

const (
	KindDNSFailure        Kind = "dns-failure"
	KindConnectionRefused Kind = "connection-refused"
	KindTimeout           Kind = "timeout"
	KindAuthRejected      Kind = "auth-rejected"
	KindHostKeyUnknown    Kind = "host-key-unknown"
	KindHostKeyMismatch   Kind = "host-key-mismatch"
	KindProtocol          Kind = "protocol-error"
)

// Error is a classified transport failure bound to a host.
type Error struct {
	Kind Kind
	Host string
	Err  error
}

// Error returns the human-readable form.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Host, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Host, e.Kind, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a transport error of the given kind.
func IsKind(err error, kind Kind) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

// IsAuthError reports whether err represents a rejected credential. Auth
// failures are never retried automatically.
func IsAuthError(err error) bool { return IsKind(err, KindAuthRejected) }

// IsHostKeyError reports whether err is a host key trust failure (unknown
// host or mismatch). Like auth errors these are not retried.
func IsHostKeyError(err error) bool {
	return IsKind(err, KindHostKeyUnknown) || IsKind(err, KindHostKeyMismatch)
}

// classifyDialError maps low-level dial/handshake errors onto the transport
// taxonomy. The ssh library does not expose typed errors for authentication
// failures, so this is a conservative string-based mapping.
func classifyDialError(host string, err error) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &Error{Kind: KindDNSFailure, Host: host, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Host: host, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Host: host, Err: err}
	}

	le := strings.ToLower(err.Error())
	switch {
	case strings.Contains(le, "unable to authenticate"),
		strings.Contains(le, "permission denied"),
		strings.Contains(le, "authentication failed"):
		return &Error{Kind: KindAuthRejected, Host: host, Err: err}
	case strings.Contains(le, "connection refused"),
		strings.Contains(le, "no route to host"):
		return &Error{Kind: KindConnectionRefused, Host: host, Err: err}
	case strings.Contains(le, "timeout"), strings.Contains(le, "i/o timeout"),
		strings.Contains(le, "deadline exceeded"):
		return &Error{Kind: KindTimeout, Host: host, Err: err}
	case strings.Contains(le, "no such host"):
		return &Error{Kind: KindDNSFailure, Host: host, Err: err}
	}
	return &Error{Kind: KindProtocol, Host: host, Err: err}
}
