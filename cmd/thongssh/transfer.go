// Copyright (c) 2026 ThongSSH Team
// ThongSSH - SSH/Telnet session core
// This source code is licensed under the MIT license found in the LICENSE file.

// transfer.go implements the one-shot SFTP commands: ls, get and put. Each
// opens a session, runs a single transfer task, reports progress and exits.
package main

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/lknsfos/thongssh/internal/event"
	"github.com/lknsfos/thongssh/internal/i18n"
	"github.com/lknsfos/thongssh/internal/model"
	"github.com/lknsfos/thongssh/internal/session"
)

var lsCmd = &cobra.Command{
	Use:   "ls <[user@]host[:port]> <remote-path>",
	Short: "List a remote directory over SFTP",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConnectedSession(cmd, args[0], func(m *session.Manager, id string, sub *event.Subscription) error {
			task, err := m.ListDir(id, args[1])
			if err != nil {
				return err
			}
			ev, err := awaitTask(sub, task.ID)
			if err != nil {
				return err
			}
			for _, entry := range ev.Entries {
				marker := ""
				if entry.IsDir {
					marker = "/"
				}
				fmt.Printf("%10d  %s  %s%s\n", entry.Size, entry.ModTime.Format("2006-01-02 15:04"), entry.Name, marker)
			}
			return nil
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get <[user@]host[:port]> <remote-path> [local-path]",
	Short: "Download a file over SFTP",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		remote := args[1]
		local := path.Base(remote)
		if len(args) == 3 {
			local = args[2]
		}
		return withConnectedSession(cmd, args[0], func(m *session.Manager, id string, sub *event.Subscription) error {
			task, err := m.Download(id, remote, local)
			if err != nil {
				return err
			}
			_, err = awaitTask(sub, task.ID)
			return err
		})
	},
}

var putCmd = &cobra.Command{
	Use:   "put <[user@]host[:port]> <local-path> [remote-path]",
	Short: "Upload a file over SFTP",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		local := args[1]
		remote := filepath.Base(local)
		if len(args) == 3 {
			remote = args[2]
		}
		return withConnectedSession(cmd, args[0], func(m *session.Manager, id string, sub *event.Subscription) error {
			task, err := m.Upload(id, local, remote)
			if err != nil {
				return err
			}
			_, err = awaitTask(sub, task.ID)
			return err
		})
	},
}

func init() {
	for _, cmd := range []*cobra.Command{lsCmd, getCmd, putCmd} {
		cmd.Flags().StringP("key", "i", "", "private key file for public key authentication")
		cmd.Flags().Bool("agent", false, "authenticate with the running SSH agent")
	}
}

// withConnectedSession connects to the target, waits until the session is
// established, runs fn, and tears everything down again.
func withConnectedSession(cmd *cobra.Command, target string, fn func(*session.Manager, string, *event.Subscription) error) error {
	host, err := parseTarget(target, model.ProtocolSSH)
	if err != nil {
		return err
	}
	if keyPath, _ := cmd.Flags().GetString("key"); keyPath != "" {
		host.Auth = model.AuthPrivateKey
		host.KeyPath = keyPath
	}
	if agent, _ := cmd.Flags().GetBool("agent"); agent {
		host.Auth = model.AuthAgent
	}

	m, id, sub, cleanup, err := openSession(cmd, host)
	if err != nil {
		return err
	}
	defer cleanup()
	defer sub.Close()

	if err := m.Open(id); err != nil {
		return err
	}
	if err := awaitConnected(sub); err != nil {
		return err
	}
	defer func() { _ = m.Close(id) }()
	return fn(m, id, sub)
}

// awaitConnected drains events until the session is established or dies.
func awaitConnected(sub *event.Subscription) error {
	var lastErr error
	timeout := time.After(2 * time.Minute)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return fmt.Errorf("session ended before connecting")
			}
			switch ev.Type {
			case event.Error:
				lastErr = ev.Err
			case event.SessionStateChanged:
				switch ev.State {
				case model.StateConnected:
					return nil
				case model.StateFailed, model.StateDisconnected:
					if lastErr != nil {
						return lastErr
					}
					return fmt.Errorf("could not connect")
				}
			}
		case <-timeout:
			return fmt.Errorf("timed out waiting for the connection")
		}
	}
}

// awaitTask drains events until the task finishes, printing progress in 10%
// steps on the way.
func awaitTask(sub *event.Subscription, taskID string) (event.Event, error) {
	lastStep := -1
	timeout := time.After(24 * time.Hour)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return event.Event{}, fmt.Errorf("session ended mid-transfer")
			}
			if ev.Task == nil || ev.Task.ID != taskID {
				continue
			}
			switch ev.Type {
			case event.TransferProgress:
				if ev.Task.TotalBytes > 0 {
					step := int(ev.Task.BytesTransferred * 10 / ev.Task.TotalBytes)
					if step > lastStep {
						lastStep = step
						fmt.Fprintln(os.Stderr, i18n.Tf("transfer.progress", map[string]interface{}{
							"Kind":    string(ev.Task.Kind),
							"Path":    ev.Task.Path,
							"Percent": step * 10,
						}))
					}
				}
			case event.TransferDone:
				return ev, reportTaskEnd(ev.Task)
			}
		case <-timeout:
			return event.Event{}, fmt.Errorf("transfer timed out")
		}
	}
}

func reportTaskEnd(task *model.TransferTask) error {
	data := map[string]interface{}{
		"Kind":  string(task.Kind),
		"Path":  task.Path,
		"Bytes": task.BytesTransferred,
	}
	switch task.State {
	case model.TransferDone:
		fmt.Fprintln(os.Stderr, i18n.Tf("transfer.done", data))
		return nil
	case model.TransferCancelled:
		fmt.Fprintln(os.Stderr, i18n.Tf("transfer.cancelled", data))
		return fmt.Errorf("transfer cancelled")
	default:
		data["Error"] = ""
		if task.Err != nil {
			data["Error"] = task.Err.Error()
		}
		fmt.Fprintln(os.Stderr, i18n.Tf("transfer.failed", data))
		if task.Err != nil {
			return task.Err
		}
		return fmt.Errorf("transfer failed")
	}
}
