package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pairbox"
	"pkt.systems/pairbox/httpapi"
	"pkt.systems/pairbox/internal/appconfig"
	"pkt.systems/pairbox/internal/metrics"
	"pkt.systems/pairbox/internal/projectstore"
	"pkt.systems/pairbox/internal/realtime/redisconn"
	"pkt.systems/pslog"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the pairbox project server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := pslog.Ctx(ctx)
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			logger.Info("server storage open", "storage", cfg.Server.Storage, "state_dir", cfg.Server.StateDir)
			backend, err := projectstore.OpenBackend(ctx, projectstore.BackendKind(cfg.Server.Storage), cfg.Server.StateDir, cfg.Server.PostgresDSN)
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}

			deps := pairbox.ServerDeps{
				Backend: backend,
				Metrics: metrics.New(),
				Logger:  logger,
			}
			if cfg.Server.RedisURL != "" {
				transport, err := redisconn.New(ctx, cfg.Server.RedisURL)
				if err != nil {
					_ = backend.Close()
					return fmt.Errorf("redis relay: %w", err)
				}
				defer func() { _ = transport.Close() }()
				deps.Relay = httpapi.NewRedisRelay(transport.Client())
				logger.Info("server relay enabled", "record_relayed", cfg.Server.RecordRelayed)
			}

			srv, err := pairbox.New(serverConfig(cfg), deps)
			if err != nil {
				_ = backend.Close()
				return err
			}
			if err := srv.Start(ctx); err != nil {
				_ = backend.Close()
				return err
			}
			waitErr := srv.Wait()
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Stop(stopCtx); err != nil && waitErr == nil {
				return err
			}
			return waitErr
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func serverConfig(cfg appconfig.Config) pairbox.ServerConfig {
	return pairbox.ServerConfig{
		HTTP: httpapi.Config{Addr: cfg.Server.Addr},
		Hub: httpapi.HubConfig{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			RecordForeign:  cfg.Server.RecordRelayed,
		},
	}
}
