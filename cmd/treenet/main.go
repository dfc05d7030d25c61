// Command treenet runs a packet relay server or sends packets to one.
//
// Commands:
//     serve: accepts clients and relays every packet to all of them
//     send: dials a server, sends one AdvancedPacket and prints the replies
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "treenet",
	Short: "Tree packet relay over TCP",
	Long: `treenet speaks the tree packet protocol: self-describing packets encoded as
trees and streamed over TCP, optionally gzip compressed per packet.

Settings come from the file given with --config (yaml, toml or json) and from
TREENET_* environment variables, flags win over both.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file")
	rootCmd.AddCommand(serveCmd(), sendCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
