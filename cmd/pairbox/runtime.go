package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pkt.systems/pairbox/internal/appconfig"
	"pkt.systems/pairbox/internal/sandbox"
	"pkt.systems/pairbox/internal/sandbox/bwrapbox"
	"pkt.systems/pairbox/internal/sandbox/containerbox"
	"pkt.systems/pairbox/internal/shipohoy"
	"pkt.systems/pairbox/internal/shipohoy/containerd"
	"pkt.systems/pairbox/internal/shipohoy/podman"
)

// selectRuntime builds the configured sandbox runtime. A nil runtime means
// sandboxes are disabled.
func selectRuntime(ctx context.Context, cfg appconfig.Config) (sandbox.Runtime, func() error, error) {
	sc := cfg.Sandbox
	probe := time.Duration(sc.ProbeIntervalMillis) * time.Millisecond
	pull := time.Duration(sc.PullTimeoutMinutes) * time.Minute
	switch strings.ToLower(strings.TrimSpace(sc.Runtime)) {
	case "none":
		return nil, nil, nil
	case "bwrap", "":
		return &bwrapbox.Runtime{
			BwrapPath:     sc.Bwrap.Path,
			WorkspaceRoot: sc.WorkspaceDir,
			ReadOnlyPaths: sc.Bwrap.ReadOnlyPaths,
			Env:           sc.Env,
			PreviewPorts:  sc.PreviewPorts,
			PreviewHost:   sc.PreviewHost,
			ProbeInterval: probe,
		}, nil, nil
	case "podman":
		rt, err := podman.New(ctx, podman.Config{
			Address:     sc.Podman.Address,
			UserNSMode:  sc.Podman.UserNSMode,
			PullTimeout: pull,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("podman connection failed (%s): %w", sc.Podman.Address, err)
		}
		return containerRuntime(sc, rt), rt.Close, nil
	case "containerd":
		rt, err := containerd.New(ctx, containerd.Config{
			Address:     sc.Containerd.Address,
			Namespace:   sc.Containerd.Namespace,
			PullTimeout: pull,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("containerd connection failed (%s): %w", sc.Containerd.Address, err)
		}
		return containerRuntime(sc, rt), rt.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported sandbox.runtime %q", sc.Runtime)
	}
}

func containerRuntime(sc appconfig.SandboxConfig, rt shipohoy.Runtime) *containerbox.Runtime {
	return &containerbox.Runtime{
		Containers:    rt,
		Image:         sc.Image,
		WorkspaceRoot: sc.WorkspaceDir,
		NamePrefix:    "pairbox",
		Env:           sc.Env,
		PreviewPorts:  sc.PreviewPorts,
		PreviewHost:   sc.PreviewHost,
		ProbeInterval: time.Duration(sc.ProbeIntervalMillis) * time.Millisecond,
	}
}

// sandboxCommand turns a configured argv into a Command, falling back to def.
func sandboxCommand(argv []string, def sandbox.Command) sandbox.Command {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return def
	}
	return sandbox.Command{Name: argv[0], Args: append([]string(nil), argv[1:]...)}
}
