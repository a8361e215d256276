// Command brokerd runs the juno broker daemon: it loads configuration via
// viper/cobra flags layered over a YAML file (internal/config), binds
// either a UNIX domain socket or a TCP listener per §6, starts the admin
// HTTP surface, and serves the broker core until an interrupt or SIGTERM
// triggers graceful shutdown. Flag/env-override handling follows
// akz4ol-gatewayops/cli and oriys-nova's cmd/*/main.go cobra+viper daemon
// pattern; the teacher's own cmd/orchestrator/main.go hand-parses
// os.Args, which this intentionally upgrades.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bytesonus/juno/internal/adminapi"
	"github.com/bytesonus/juno/internal/broker"
	"github.com/bytesonus/juno/internal/config"
	"github.com/bytesonus/juno/internal/logging"
	"github.com/bytesonus/juno/internal/telemetry"
	"github.com/bytesonus/juno/internal/transport"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "brokerd",
		Short: "juno broker daemon",
		Long:  "Run the juno module broker: registration, dependency promotion, function call routing, and hook fan-out.",
		RunE:  runDaemon,
	}

	root.PersistentFlags().StringVar(&configFile, "config", "", "Path to YAML config file")
	root.PersistentFlags().String("broker-name", "", "Broker's own module name (overrides config)")
	root.PersistentFlags().String("network", "", "Listener network: \"unix\" or \"tcp\" (overrides config)")
	root.PersistentFlags().String("sock-path", "", "UNIX socket path (overrides config)")
	root.PersistentFlags().String("address", "", "TCP listen address host:port (overrides config)")
	root.PersistentFlags().String("admin-address", "", "Admin HTTP surface address (overrides config)")
	root.PersistentFlags().Bool("debug", false, "Enable debug logging")

	viper.BindPFlag("broker_name", root.PersistentFlags().Lookup("broker-name"))
	viper.BindPFlag("listener.network", root.PersistentFlags().Lookup("network"))
	viper.BindPFlag("listener.sock_path", root.PersistentFlags().Lookup("sock-path"))
	viper.BindPFlag("listener.address", root.PersistentFlags().Lookup("address"))
	viper.BindPFlag("admin.address", root.PersistentFlags().Lookup("admin-address"))
	viper.BindPFlag("debug", root.PersistentFlags().Lookup("debug"))
	viper.SetEnvPrefix("juno")
	viper.AutomaticEnv()

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configFile, err)
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if v := viper.GetString("broker_name"); v != "" {
		cfg.BrokerName = v
	}
	if v := viper.GetString("listener.network"); v != "" {
		cfg.Listener.Network = v
	}
	if v := viper.GetString("listener.sock_path"); v != "" {
		cfg.Listener.SockPath = v
	}
	if v := viper.GetString("listener.address"); v != "" {
		cfg.Listener.Address = v
	}
	if v := viper.GetString("admin.address"); v != "" {
		cfg.Admin.Address = v
	}
	if viper.GetBool("debug") {
		cfg.Debug = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log := logging.New(cfg.Debug)
	log.Info().Str("brokerName", cfg.BrokerName).Str("network", cfg.Listener.Network).Msg("starting juno broker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.BrokerName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer shutdownTracing(context.Background())

	promReg := prometheus.NewRegistry()

	b, err := broker.New(cfg, log, promReg)
	if err != nil {
		return fmt.Errorf("failed to construct broker: %w", err)
	}

	ln, err := newListener(cfg)
	if err != nil {
		return err
	}

	var adminSrv *http.Server
	if cfg.Admin.Enabled {
		adminSrv = &http.Server{
			Addr:    cfg.Admin.Address,
			Handler: adminapi.New(b.Registry, promReg, log),
		}
		go func() {
			log.Info().Str("address", cfg.Admin.Address).Msg("admin http surface listening")
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("admin http surface failed")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("shutdown signal received")
		if adminSrv != nil {
			adminSrv.Shutdown(context.Background())
		}
		cancel()
	}()

	if err := b.Serve(ctx, ln); err != nil {
		return fmt.Errorf("broker serve loop exited: %w", err)
	}
	log.Info().Msg("juno broker stopped")
	return nil
}

// newListener binds the single transport §6 allows: a UNIX domain socket
// (with its lock-file discipline) or a TCP listener, never both.
func newListener(cfg *config.Config) (transport.Listener, error) {
	switch cfg.Listener.Network {
	case "unix":
		return transport.NewUnixListener(cfg.Listener.SockPath)
	case "tcp":
		return transport.NewTCPListener(cfg.Listener.Address)
	default:
		return nil, fmt.Errorf("unsupported listener network %q", cfg.Listener.Network)
	}
}
