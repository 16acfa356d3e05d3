// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cmd is the ouroboros command-line entrypoint: a thin operational
// shell around the facade, plexer, and bearer packages, in the same style
// as the teacher's own agent/log/watch commands (a cobra root with one
// subcommand per mode, config loaded through confengine, shutdown wired to
// internal/sigs).
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/packetd/ouroboros/common"
	"github.com/packetd/ouroboros/confengine"
	"github.com/packetd/ouroboros/logger"
	"github.com/packetd/ouroboros/server"
)

var rootCmd = &cobra.Command{
	Use:   "ouroboros",
	Short: "A client for the Cardano node-to-node and node-to-client wire protocols",
}

var (
	configPath string
	logLevel   string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Optional configuration file path (server/metrics settings)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command, exiting the process on failure the same
// way the teacher's subcommands do on a setup error.
func Execute() {
	rootCmd.PersistentPreRun = func(*cobra.Command, []string) {
		logger.SetLoggerLevel(logLevel)
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// startMetricsServer loads an optional server.Config from configPath and,
// if enabled, starts it in the background. It is a no-op when configPath
// is empty or the server section is disabled.
func startMetricsServer() {
	if configPath == "" {
		return
	}
	cfg, err := confengine.LoadConfigPath(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return
	}
	srv, err := server.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create server: %v\n", err)
		return
	}
	if srv == nil {
		return
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			logger.Errorf("metrics server exited: %v", err)
		}
	}()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		info := common.GetBuildInfo()
		fmt.Printf("version=%s githash=%s built=%s\n", info.Version, info.GitHash, info.Time)
	},
}
