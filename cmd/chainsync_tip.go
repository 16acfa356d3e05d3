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
	"encoding/hex"
	"fmt"
	"os"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/packetd/ouroboros/facade"
	"github.com/packetd/ouroboros/internal/sigs"
	"github.com/packetd/ouroboros/protocol/chainsync"
)

type chainsyncTipCmdConfig struct {
	Addr       string
	Socket     string
	Magic      uint32
	MinVersion uint64
	MaxVersion uint64
	Count      int
}

var chainsyncTipConfig chainsyncTipCmdConfig

// rollEvent is the debug dump emitted for each chainsync.NextResponse,
// in the DOMAIN STACK's "fast JSON debug dump of decoded messages/points"
// slot.
type rollEvent struct {
	Kind       string `json:"kind"`
	TipSlot    uint64 `json:"tipSlot"`
	TipBlockNo uint64 `json:"tipBlockNo"`
	HeaderLen  int    `json:"headerLen,omitempty"`
	PointSlot  uint64 `json:"pointSlot,omitempty"`
	PointHash  string `json:"pointHash,omitempty"`
}

func dumpRoll(resp chainsync.NextResponse) {
	ev := rollEvent{TipSlot: resp.Tip.Point.Slot, TipBlockNo: resp.Tip.BlockNo}
	switch resp.Kind {
	case chainsync.NextRollForward:
		ev.Kind = "RollForward"
		ev.HeaderLen = len(resp.Header.Raw)
	case chainsync.NextRollBackward:
		ev.Kind = "RollBackward"
		ev.PointSlot = resp.Point.Slot
		ev.PointHash = hex.EncodeToString(resp.Point.Hash)
	default:
		ev.Kind = "AwaitReply"
	}

	b, err := json.Marshal(ev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode roll event: %v\n", err)
		return
	}
	fmt.Println(string(b))
}

var chainsyncTipCmd = &cobra.Command{
	Use:   "chainsync-tip",
	Short: "Intersect at the chain origin and follow the tip, printing each roll as JSON",
	Run: func(cmd *cobra.Command, args []string) {
		startMetricsServer()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var cs *chainsync.Client
		if chainsyncTipConfig.Socket != "" {
			node, err := facade.ConnectNode(ctx, chainsyncTipConfig.Socket, chainsyncTipConfig.Magic, chainsyncTipConfig.MinVersion, chainsyncTipConfig.MaxVersion)
			if err != nil {
				fmt.Fprintf(os.Stderr, "connect failed: %v\n", err)
				os.Exit(1)
			}
			defer node.Close()
			cs = node.ChainSync()
		} else {
			peer, err := facade.Connect(ctx, chainsyncTipConfig.Addr, chainsyncTipConfig.Magic, chainsyncTipConfig.MinVersion, chainsyncTipConfig.MaxVersion)
			if err != nil {
				fmt.Fprintf(os.Stderr, "connect failed: %v\n", err)
				os.Exit(1)
			}
			defer peer.Close()
			cs = peer.ChainSync()
		}

		if err := cs.IntersectTip(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "intersect failed: %v\n", err)
			os.Exit(1)
		}

		terminate := sigs.Terminate()
		for i := 0; chainsyncTipConfig.Count <= 0 || i < chainsyncTipConfig.Count; i++ {
			select {
			case <-terminate:
				return
			default:
			}

			resp, err := cs.RequestNext(context.Background())
			if err != nil {
				fmt.Fprintf(os.Stderr, "request-next failed: %v\n", err)
				os.Exit(1)
			}
			if resp.Kind == chainsync.NextAwait {
				resp, err = cs.RecvWhileMustReply(context.Background())
				if err != nil {
					fmt.Fprintf(os.Stderr, "recv-while-must-reply failed: %v\n", err)
					os.Exit(1)
				}
			}
			dumpRoll(resp)
		}
	},
	Example: "# ouroboros chainsync-tip --addr relay.example:3001 --magic 764824073 --count 10",
}

func init() {
	chainsyncTipCmd.Flags().StringVar(&chainsyncTipConfig.Addr, "addr", "", "Peer TCP address for a node-to-node connection")
	chainsyncTipCmd.Flags().StringVar(&chainsyncTipConfig.Socket, "socket", "", "Local node Unix socket path for a node-to-client connection")
	chainsyncTipCmd.Flags().Uint32Var(&chainsyncTipConfig.Magic, "magic", 764824073, "Network magic (mainnet default)")
	chainsyncTipCmd.Flags().Uint64Var(&chainsyncTipConfig.MinVersion, "min-version", 9, "Minimum protocol version to propose")
	chainsyncTipCmd.Flags().Uint64Var(&chainsyncTipConfig.MaxVersion, "max-version", 10, "Maximum protocol version to propose")
	chainsyncTipCmd.Flags().IntVar(&chainsyncTipConfig.Count, "count", 20, "Number of chain events to print before exiting (<=0 runs until interrupted)")
	rootCmd.AddCommand(chainsyncTipCmd)
}
