// Copyright (c) 2026 ThongSSH Team
// ThongSSH - SSH/Telnet session core
// This source code is licensed under the MIT license found in the LICENSE file.

// main.go sets up the command-line interface for thongssh using the Cobra
// library. It defines the root command, subcommands (connect, ls, get, put,
// trust-host), flags, and the main entry point for execution.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lknsfos/thongssh/buildvars"
	"github.com/lknsfos/thongssh/internal/config"
	"github.com/lknsfos/thongssh/internal/i18n"
	"github.com/lknsfos/thongssh/internal/logging"
)

var (
	cfgFile string
	cfg     config.Config
)

var rootCmd *cobra.Command

// main is the entry point of the application.
func main() {
	if err := rootCmd.Execute(); err != nil {
		// The error is already printed by Cobra on failure.
		os.Exit(1)
	}
}

func init() {
	rootCmd = newRootCmd()
}

// newRootCmd creates and configures a new root cobra command. Tests create
// fresh instances for isolation.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "thongssh",
		Short: "thongssh is a terminal SSH and telnet client with file transfer",
		Long: `thongssh opens interactive SSH and telnet sessions from the terminal
and transfers files over SFTP. Host keys are verified against a local
trust store; unknown hosts are never accepted silently. Connections that
drop are reestablished automatically with exponential backoff.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(cmd, cfgFile)
			if err != nil {
				return err
			}
			if f := cmd.Flags().Lookup("lang"); f != nil && f.Changed {
				c.Language = f.Value.String()
			}
			if f := cmd.Flags().Lookup("hostkeys-dsn"); f != nil && f.Changed {
				c.HostKeys.DSN = f.Value.String()
			}
			cfg = c
			logging.SetDebug(cfg.Debug)
			i18n.Init(cfg.Language)
			return nil
		},
	}

	cmd.AddCommand(connectCmd)
	cmd.AddCommand(lsCmd)
	cmd.AddCommand(getCmd)
	cmd.AddCommand(putCmd)
	cmd.AddCommand(trustHostCmd)
	cmd.AddCommand(versionCmd)

	cmd.Version = buildvars.VersionOrDefault("dev")

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is thongssh.yaml in the user config dir or current directory)")
	cmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	cmd.PersistentFlags().String("lang", "", `interface language ("en", "ru")`)
	cmd.PersistentFlags().String("hostkeys-dsn", "", "sqlite DSN of the host key trust store")

	return cmd
}

// versionCmd prints the version line in the configured language.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the thongssh version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(i18n.Tf("version.line", map[string]interface{}{
			"Version": buildvars.VersionOrDefault("dev"),
		}))
	},
}
