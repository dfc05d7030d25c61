package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/leesper/treenet"
	"github.com/leesper/treenet/stree"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func sendCmd() *cobra.Command {
	var (
		name string
		wait time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send <addr> [key=value...]",
		Short: "Send one AdvancedPacket and print the replies",
		Long: `Dials addr, sends an AdvancedPacket whose data holds the given key=value
pairs, then prints every packet received until --wait passes without one.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, "compression", "log-level")
			if err != nil {
				return err
			}
			if _, err := treenet.ConfigureLogging(cfg.LogLevel, cfg.LogFilePath); err != nil {
				return err
			}

			data, err := parsePairs(args[1:])
			if err != nil {
				return err
			}

			codec := treenet.NewCodec(cfg.CodecOptions()...)
			c, err := treenet.Dial(cmd.Context(), args[0], cfg.ConnOptions(codec)...)
			if err != nil {
				return err
			}
			replies := make(chan treenet.Packet, 64)
			quit := make(chan struct{})
			c.AddListener(forwardTo(replies, quit))
			c.Start()
			defer func() {
				c.Stop()
				<-c.Done()
			}()
			defer close(quit)

			if err := c.Send(treenet.NewAdvancedPacket(name, data)); err != nil {
				return err
			}
			for {
				select {
				case p := <-replies:
					fmt.Fprintln(cmd.OutOrStdout(), p)
				case <-c.Done():
					return nil
				case <-cmd.Context().Done():
					return nil
				case <-time.After(wait):
					return nil
				}
			}
		},
	}

	d := treenet.DefaultConfig()
	cmd.Flags().StringVarP(&name, "name", "n", treenet.DefaultName, "packet name")
	cmd.Flags().DurationVarP(&wait, "wait", "w", 2*time.Second, "stop after this long without a reply")
	cmd.Flags().Bool("compression", d.Compression, "gzip every packet")
	cmd.Flags().String("log-level", "warn", "log level")
	return cmd
}

// forwardTo returns a listener handing packets to replies until quit is
// closed, after which packets are dropped so the connection can drain.
func forwardTo(replies chan<- treenet.Packet, quit <-chan struct{}) treenet.PacketListener {
	return treenet.ListenerFunc(func(_ *treenet.Conn, p treenet.Packet) {
		select {
		case replies <- p:
		case <-quit:
		}
	})
}

// parsePairs turns key=value arguments into a tree map.
func parsePairs(args []string) (stree.Map, error) {
	data := stree.NewMap()
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, errors.Errorf("argument %q is not key=value", arg)
		}
		data.PutString(k, v)
	}
	return data, nil
}
