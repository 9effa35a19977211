package containerd

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/opencontainers/runtime-spec/specs-go"

	"pkt.systems/pairbox/internal/shipohoy"
)

func TestCandidateAddressesNormalizesAndDedupes(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "")
	got := candidateAddresses("unix:///run/containerd/containerd.sock")
	if got[0] != "/run/containerd/containerd.sock" {
		t.Fatalf("expected primary first, got %v", got)
	}
	seen := map[string]bool{}
	for _, addr := range got {
		if seen[addr] {
			t.Fatalf("duplicate address %q in %v", addr, got)
		}
		seen[addr] = true
	}
}

func TestBindMountsSkipsIncomplete(t *testing.T) {
	got := bindMounts([]shipohoy.Mount{
		{Source: "/tmp/ws", Target: "/workspace"},
		{Source: "/etc/ssl", Target: "/etc/ssl", ReadOnly: true},
		{Source: "", Target: "/nothing"},
	})
	want := []specs.Mount{
		{Type: "bind", Source: "/tmp/ws", Destination: "/workspace", Options: []string{"rbind", "rw"}},
		{Type: "bind", Source: "/etc/ssl", Destination: "/etc/ssl", Options: []string{"rbind", "ro"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("mounts mismatch (-want +got):\n%s", diff)
	}
}

func TestProcessSpecInheritsBase(t *testing.T) {
	base := &specs.Process{Cwd: "/", Env: []string{"PATH=/usr/bin", "HOME=/root"}, User: specs.User{UID: 1000}}
	proc := processSpec(base, shipohoy.ExecSpec{
		Command:    []string{"npm", "start"},
		Env:        map[string]string{"HOME": "/workspace"},
		WorkingDir: "/workspace",
	})
	if proc.Cwd != "/workspace" || proc.User.UID != 1000 {
		t.Fatalf("unexpected process %+v", proc)
	}
	if strings.Join(proc.Env, ",") != "HOME=/workspace,PATH=/usr/bin" {
		t.Fatalf("unexpected env %v", proc.Env)
	}
}
