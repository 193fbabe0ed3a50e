// Copyright (c) 2026 ThongSSH Team
// ThongSSH - SSH/Telnet session core
// This source code is licensed under the MIT license found in the LICENSE file.

package transport

import (
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// FetchHostKey retrieves a host's public key without authenticating, for
// explicit first-use trust flows. The handshake is aborted as soon as the
// server presents its key.
func FetchHostKey(host string, timeout time.Duration) (ssh.PublicKey, error) {
	keyChan := make(chan ssh.PublicKey, 1)

	config := &ssh.ClientConfig{
		// No authentication needed, the key arrives before auth starts.
		User: "thongssh-probe",
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			keyChan <- key
			// A sentinel error stops the handshake gracefully.
			return fmt.Errorf("thongssh: successfully retrieved host key")
		},
		Timeout: timeout,
	}

	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = net.JoinHostPort(host, "22")
	}

	// The dial is expected to fail with the sentinel error.
	_, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		if strings.Contains(err.Error(), "thongssh: successfully retrieved host key") {
			return <-keyChan, nil
		}
		return nil, classifyDialError(host, err)
	}
	return nil, fmt.Errorf("handshake succeeded unexpectedly, could not retrieve key")
}
