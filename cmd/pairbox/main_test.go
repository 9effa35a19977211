package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"pkt.systems/pairbox/internal/appconfig"
	"pkt.systems/pairbox/internal/sandbox"
	"pkt.systems/pairbox/internal/sandbox/bwrapbox"
)

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	want := map[string]bool{"serve": false, "session": false, "project": false, "doctor": false, "config": false, "version": false}
	for _, cmd := range root.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Fatalf("expected root command to include %s", name)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out.String(), "pkt.systems/pairbox ") {
		t.Fatalf("unexpected version output %q", out.String())
	}
}

func TestSelectRuntime(t *testing.T) {
	cfg, err := appconfig.DefaultConfig()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	cfg.Sandbox.Runtime = "none"
	rt, closeFn, err := selectRuntime(context.Background(), cfg)
	if err != nil || rt != nil || closeFn != nil {
		t.Fatalf("expected disabled runtime, got %v %v", rt, err)
	}

	cfg.Sandbox.Runtime = "bwrap"
	cfg.Sandbox.PreviewPorts = []int{5173}
	rt, _, err = selectRuntime(context.Background(), cfg)
	if err != nil {
		t.Fatalf("bwrap: %v", err)
	}
	box, ok := rt.(*bwrapbox.Runtime)
	if !ok || box.PreviewPorts[0] != 5173 || box.WorkspaceRoot != cfg.Sandbox.WorkspaceDir {
		t.Fatalf("unexpected bwrap runtime %#v", rt)
	}

	cfg.Sandbox.Runtime = "lxc"
	if _, _, err := selectRuntime(context.Background(), cfg); err == nil {
		t.Fatalf("expected unsupported runtime error")
	}
}

func TestSandboxCommand(t *testing.T) {
	got := sandboxCommand([]string{"pnpm", "dev", "--host"}, sandbox.DefaultRun)
	if got.Name != "pnpm" || len(got.Args) != 2 || got.Args[1] != "--host" {
		t.Fatalf("unexpected command %+v", got)
	}
	if got := sandboxCommand(nil, sandbox.DefaultInstall); got.Name != "npm" {
		t.Fatalf("expected default, got %+v", got)
	}
}

func TestServerConfigMapping(t *testing.T) {
	cfg, err := appconfig.DefaultConfig()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	cfg.Server.Addr = "127.0.0.1:9000"
	cfg.Server.RecordRelayed = true
	cfg.Server.AllowedOrigins = []string{"https://pair.example"}
	got := serverConfig(cfg)
	if got.HTTP.Addr != "127.0.0.1:9000" || !got.Hub.RecordForeign || got.Hub.AllowedOrigins[0] != "https://pair.example" {
		t.Fatalf("unexpected server config %+v", got)
	}
}
