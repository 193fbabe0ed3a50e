// Copyright (c) 2026 ThongSSH Team
// ThongSSH - SSH/Telnet session core
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"github.com/lknsfos/thongssh/internal/hostkeys"
	"github.com/lknsfos/thongssh/internal/i18n"
	"github.com/lknsfos/thongssh/internal/transport"
)

// trustHostCmd fetches a host's public key, shows its fingerprint and, after
// confirmation, stores it in the trust store. This is also the path for
// re-trusting a host that was legitimately re-provisioned.
var trustHostCmd = &cobra.Command{
	Use:   "trust-host <host[:port]>",
	Short: "Add a host's public key to the trust store",
	Long: `Connects to a host, retrieves its public key and prompts to save it
to the trust store. If a key is already stored for the host it is replaced,
so this is also how a re-provisioned host is re-trusted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := args[0]
		if i := strings.LastIndex(target, "@"); i >= 0 {
			target = target[i+1:]
		}
		hostname := target
		if h, _, err := net.SplitHostPort(target); err == nil {
			hostname = h
		}

		key, err := transport.FetchHostKey(target, 5*time.Second)
		if err != nil {
			return err
		}
		fingerprint := ssh.FingerprintSHA256(key)
		fmt.Fprintln(cmd.OutOrStdout(), i18n.Tf("hostkey.unknown", map[string]interface{}{
			"Host":        hostname,
			"Fingerprint": fingerprint,
		}))
		fmt.Fprint(cmd.OutOrStdout(), i18n.T("hostkey.trust_prompt"))
		line, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
		default:
			return nil
		}

		store, err := hostkeys.Open(cfg.HostKeys.DSN)
		if err != nil {
			return err
		}
		defer store.Close()
		marshaled := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key)))
		if err := store.Put(context.Background(), hostname, marshaled); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), i18n.Tf("hostkey.trusted", map[string]interface{}{"Host": hostname}))
		return nil
	},
}
