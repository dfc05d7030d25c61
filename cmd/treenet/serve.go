package main

import (
	"strings"

	"github.com/leesper/treenet"
	"github.com/spf13/cobra"
)

// loadConfig reads --config, the environment and the flags of cmd bound to
// the keys in flags.
func loadConfig(cmd *cobra.Command, flags ...string) (treenet.Config, error) {
	v := treenet.NewViper()
	for _, name := range flags {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := v.BindPFlag(strings.ReplaceAll(name, "-", "_"), f); err != nil {
				return treenet.Config{}, err
			}
		}
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return treenet.Config{}, err
		}
	}
	return treenet.ConfigFrom(v)
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Relay packets between connected clients",
		Long: `Accepts clients and broadcasts every packet received from any of them to all
connected clients. Prometheus metrics are served on --metrics-port when set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, "host", "port", "compression", "max-connections", "workers", "log-level", "metrics-port")
			if err != nil {
				return err
			}
			return serve(cmd, cfg)
		},
	}

	d := treenet.DefaultConfig()
	cmd.Flags().String("host", d.Host, "listen host")
	cmd.Flags().IntP("port", "p", d.Port, "listen port")
	cmd.Flags().Bool("compression", d.Compression, "gzip every packet")
	cmd.Flags().Int("max-connections", d.MaxConnections, "refuse clients beyond this many, 0 for no limit")
	cmd.Flags().Int("workers", d.Workers, "broadcast workers")
	cmd.Flags().String("log-level", d.LogLevel, "log level")
	cmd.Flags().Int("metrics-port", d.MetricsPort, "serve /metrics on this port, 0 to disable")
	return cmd
}

func serve(cmd *cobra.Command, cfg treenet.Config) error {
	log, err := treenet.ConfigureLogging(cfg.LogLevel, cfg.LogFilePath)
	if err != nil {
		return err
	}
	if cfg.MetricsPort > 0 {
		treenet.MonitorOn(cfg.MetricsPort)
	}

	codec := treenet.NewCodec(cfg.CodecOptions()...)
	s, err := treenet.Listen(cfg.Address(), cfg.ServerOptions(codec)...)
	if err != nil {
		return err
	}

	s.AddConnectionListener(treenet.ConnectionFunc(func(c *treenet.Conn) {
		log.WithField("peer", c.Peer().String()).Info("client connected")
	}))
	s.AddDisconnectionListener(treenet.DisconnectionFunc(func(c *treenet.Conn) {
		log.WithField("peer", c.Peer().String()).Info("client disconnected")
	}))
	s.AddListener(treenet.ListenerFunc(func(c *treenet.Conn, p treenet.Packet) {
		if err := s.Send(p); err != nil {
			log.WithField("peer", c.Peer().String()).Warnf("relay %s: %v", p.Name(), err)
		}
	}))
	s.Start()
	log.Infof("relaying on %s", s.Addr())

	<-cmd.Context().Done()
	return s.Stop()
}
