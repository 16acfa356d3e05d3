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

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/packetd/ouroboros/facade"
)

type handshakeCmdConfig struct {
	Addr       string
	Socket     string
	Magic      uint32
	MinVersion uint64
	MaxVersion uint64
	Timeout    time.Duration
}

var handshakeConfig handshakeCmdConfig

var handshakeCmd = &cobra.Command{
	Use:   "handshake",
	Short: "Dial a peer or local node and run the version handshake",
	Run: func(cmd *cobra.Command, args []string) {
		startMetricsServer()

		ctx, cancel := context.WithTimeout(context.Background(), handshakeConfig.Timeout)
		defer cancel()

		if handshakeConfig.Socket != "" {
			node, err := facade.ConnectNode(ctx, handshakeConfig.Socket, handshakeConfig.Magic, handshakeConfig.MinVersion, handshakeConfig.MaxVersion)
			if err != nil {
				fmt.Fprintf(os.Stderr, "handshake failed: %v\n", err)
				os.Exit(1)
			}
			defer node.Close()
			fmt.Println("handshake accepted (node-to-client)")
			return
		}

		peer, err := facade.Connect(ctx, handshakeConfig.Addr, handshakeConfig.Magic, handshakeConfig.MinVersion, handshakeConfig.MaxVersion)
		if err != nil {
			fmt.Fprintf(os.Stderr, "handshake failed: %v\n", err)
			os.Exit(1)
		}
		defer peer.Close()
		fmt.Println("handshake accepted (node-to-node)")
	},
	Example: "# ouroboros handshake --addr relay.example:3001 --magic 764824073",
}

func init() {
	handshakeCmd.Flags().StringVar(&handshakeConfig.Addr, "addr", "", "Peer TCP address for a node-to-node handshake")
	handshakeCmd.Flags().StringVar(&handshakeConfig.Socket, "socket", "", "Local node Unix socket path for a node-to-client handshake")
	handshakeCmd.Flags().Uint32Var(&handshakeConfig.Magic, "magic", 764824073, "Network magic (mainnet default)")
	handshakeCmd.Flags().Uint64Var(&handshakeConfig.MinVersion, "min-version", 9, "Minimum protocol version to propose")
	handshakeCmd.Flags().Uint64Var(&handshakeConfig.MaxVersion, "max-version", 10, "Maximum protocol version to propose")
	handshakeCmd.Flags().DurationVar(&handshakeConfig.Timeout, "timeout", 10*time.Second, "Handshake timeout")
	rootCmd.AddCommand(handshakeCmd)
}
