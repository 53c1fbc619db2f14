// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// gantryd is the MCP gateway daemon.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/gantry/internal/daemon"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gantryd",
		Short: "Gantry - multi-tenant MCP gateway",
		Long: `Gantry fronts a fleet of MCP servers behind one endpoint: it pools
connections, routes tool calls through rate limits and circuit
breakers, runs workflows, and fans events out to streams and webhooks.

Run 'gantryd serve' to start the gateway.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	opts := daemon.RunOptions{Version: version}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway and block until shutdown",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return daemon.Run(opts)
		},
	}
	cmd.Flags().StringVar(&opts.ServersFile, "servers", "", "Path to a declarative servers file (JSON or YAML)")
	cmd.Flags().StringVar(&opts.DBPath, "db", "", "SQLite database path (default: gantry.db, or DB_PATH)")
	cmd.Flags().IntVar(&opts.Port, "port", 0, "HTTP listen port (default: 8080, or PORT)")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gantryd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}
