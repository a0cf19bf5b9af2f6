package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/NicolasHaas/presencerelay/pkg/logging"
	"github.com/NicolasHaas/presencerelay/pkg/server"
	"github.com/NicolasHaas/presencerelay/pkg/version"
)

func main() {
	var (
		cfgPath      string
		logLevel     string
		logFormat    string
		exportGroups bool
		flags        server.Config
	)

	rootCmd := &cobra.Command{
		Use:   "relay-server [flags]",
		Short: "Presence-aware message relay",
		Long: `relay-server accepts client connections on TCP (and optionally WebSocket),
tracks who is online and which groups exist, and forwards direct messages,
broadcasts, group messages, files and WebRTC signaling between clients.

Values from --config are overridden by flags given on the command line.
Environment variables RELAY_LOG_LEVEL and RELAY_LOG_FORMAT set logging
defaults.`,
		Example: `  relay-server                                # listen on the LAN address, port 4105
  relay-server --host 127.0.0.1 --port 5000
  relay-server -c relay.yaml --ws :8080 --metrics :9602
  relay-server --groups-file groups.yaml --export-groups`,
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := logging.Setup(logging.FromEnv(logging.Options{
				Level:  logLevel,
				Format: logFormat,
				Output: os.Stdout,
			}))
			if err != nil {
				return fmt.Errorf("invalid logging config: %w", err)
			}

			cfg, err := server.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			applyFlags(cmd, &cfg, flags)
			if err := cfg.Validate(); err != nil {
				return err
			}

			srv := server.New(cfg, server.Dependencies{Logger: logger})

			if exportGroups {
				return printGroups(srv, cfg, logger)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("starting relay", "version", version.String(), "addr", cfg.Addr())
			return srv.Run(ctx)
		},
	}

	def := server.DefaultConfig()
	f := rootCmd.Flags()
	f.StringVarP(&cfgPath, "config", "c", "", "YAML configuration file")
	f.StringVar(&flags.Host, "host", "", "bind host (empty: LAN-facing address)")
	f.IntVarP(&flags.Port, "port", "p", def.Port, "TCP port")
	f.StringVar(&flags.WebSocketAddr, "ws", "", "HTTP bind address for the /ws WebSocket endpoint (empty to disable)")
	f.StringVar(&flags.MetricsAddr, "metrics", "", "HTTP bind address for /metrics, /healthz, /presence (empty to disable)")
	f.BoolVar(&flags.TLS, "tls", false, "serve TCP over TLS")
	f.StringVar(&flags.CertFile, "cert", "", "TLS certificate file (auto-generated if missing)")
	f.StringVar(&flags.KeyFile, "key", "", "TLS private key file (auto-generated if missing)")
	f.StringVar(&flags.DataDir, "data", def.DataDir, "data directory for generated files")
	f.StringVar(&flags.GroupsFile, "groups-file", "", "YAML file defining groups to create on startup")
	f.IntVar(&flags.MaxRecordSize, "max-record-size", def.MaxRecordSize, "maximum bytes of one pending record")
	f.IntVar(&flags.SendQueueSize, "send-queue", def.SendQueueSize, "outbound records queued per connection")
	f.DurationVar(&flags.WriteTimeout, "write-timeout", def.WriteTimeout, "per-record write deadline")
	f.DurationVar(&flags.MetricsLogInterval, "metrics-log-interval", def.MetricsLogInterval, "periodic metrics log interval (0 to disable)")
	f.StringVar(&logLevel, "log-level", "", "log level: "+logging.LevelNames())
	f.StringVar(&logFormat, "log-format", "", "log format: text or json")
	f.BoolVar(&exportGroups, "export-groups", false, "print the groups from --groups-file as YAML and exit")

	if err := rootCmd.Execute(); err != nil {
		slog.Error("relay-server failed", "err", err)
		os.Exit(1)
	}
}

// applyFlags copies every flag set on the command line over cfg.
func applyFlags(cmd *cobra.Command, cfg *server.Config, flags server.Config) {
	changed := cmd.Flags().Changed
	if changed("host") {
		cfg.Host = flags.Host
	}
	if changed("port") {
		cfg.Port = flags.Port
	}
	if changed("ws") {
		cfg.WebSocketAddr = flags.WebSocketAddr
	}
	if changed("metrics") {
		cfg.MetricsAddr = flags.MetricsAddr
	}
	if changed("tls") {
		cfg.TLS = flags.TLS
	}
	if changed("cert") {
		cfg.CertFile = flags.CertFile
	}
	if changed("key") {
		cfg.KeyFile = flags.KeyFile
	}
	if changed("data") {
		cfg.DataDir = flags.DataDir
	}
	if changed("groups-file") {
		cfg.GroupsFile = flags.GroupsFile
	}
	if changed("max-record-size") {
		cfg.MaxRecordSize = flags.MaxRecordSize
	}
	if changed("send-queue") {
		cfg.SendQueueSize = flags.SendQueueSize
	}
	if changed("write-timeout") {
		cfg.WriteTimeout = flags.WriteTimeout
	}
	if changed("metrics-log-interval") {
		cfg.MetricsLogInterval = flags.MetricsLogInterval
	}
}

func printGroups(srv *server.Server, cfg server.Config, logger *slog.Logger) error {
	if cfg.GroupsFile == "" {
		return fmt.Errorf("--export-groups needs --groups-file")
	}
	if err := server.LoadGroupsFromYAML(cfg.GroupsFile, srv.Registry(), logger); err != nil {
		return err
	}
	data, err := server.ExportGroupsYAML(srv.Registry())
	if err != nil {
		return err
	}
	fmt.Print(string(data))
	return nil
}
