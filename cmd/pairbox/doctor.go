package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pairbox/internal/appconfig"
	"pkt.systems/pairbox/internal/realtime/redisconn"
	"pkt.systems/pairbox/internal/sandbox"
	"pkt.systems/pairbox/internal/version"
	"pkt.systems/pslog"
)

func newDoctorCmd() *cobra.Command {
	var cfgPath string
	var skipServer bool
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the server, transport and sandbox prerequisites",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := pslog.Ctx(ctx)
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			configPath := cfgPath
			if strings.TrimSpace(configPath) == "" {
				path, err := appconfig.DefaultConfigPath()
				if err != nil {
					return err
				}
				configPath = path
			}
			logger.Info("doctor start", "config", configPath, "runtime", cfg.Sandbox.Runtime, "transport", cfg.Session.Transport)

			var failures []error
			if !skipServer {
				if err := checkServer(ctx, cfg.Session.ServerURL, timeout); err != nil {
					failures = append(failures, err)
				} else {
					logger.Info("doctor server ok", "url", cfg.Session.ServerURL)
				}
			}
			if strings.EqualFold(cfg.Session.Transport, "redis") {
				checkCtx, cancel := context.WithTimeout(ctx, timeout)
				transport, err := redisconn.New(checkCtx, cfg.Session.RedisURL)
				cancel()
				if err != nil {
					failures = append(failures, fmt.Errorf("redis transport: %w", err))
				} else {
					_ = transport.Close()
					logger.Info("doctor redis ok")
				}
			}
			if err := checkSandbox(ctx, cfg, timeout); err != nil {
				failures = append(failures, err)
			} else {
				logger.Info("doctor sandbox ok", "runtime", cfg.Sandbox.Runtime)
			}
			if err := errors.Join(failures...); err != nil {
				return err
			}
			logger.Info("doctor complete")
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().BoolVar(&skipServer, "skip-server", false, "skip the server health check")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "timeout for each check")
	return cmd
}

func checkServer(ctx context.Context, baseURL string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/healthz", nil)
	if err != nil {
		return err
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("server unreachable at %s: %w", baseURL, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("server health check returned %s", res.Status)
	}
	var health struct {
		Status  string       `json:"status"`
		Version version.Info `json:"version"`
	}
	if err := json.NewDecoder(res.Body).Decode(&health); err != nil {
		return fmt.Errorf("server health response: %w", err)
	}
	pslog.Ctx(ctx).Debug("doctor server version", "version", health.Version.Version, "status", health.Status)
	return nil
}

func checkSandbox(ctx context.Context, cfg appconfig.Config, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	rt, closeFn, err := selectRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer func() { _ = closeFn() }()
	}
	if rt == nil {
		pslog.Ctx(ctx).Info("doctor sandbox disabled")
		return nil
	}
	checker, ok := rt.(sandbox.IsolationChecker)
	if !ok {
		return nil
	}
	if ok, description := checker.CheckIsolation(ctx); !ok {
		return fmt.Errorf("sandbox %s unavailable: %s", rt.Name(), description)
	}
	return nil
}
