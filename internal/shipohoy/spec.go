package shipohoy

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// ManagedLabel marks containers created by pairbox.
const ManagedLabel = "pairbox.managed"

// Mount is a host directory bind-mounted into a container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerSpec describes a long-lived sandbox container. Command keeps the
// container alive; work happens through Exec.
type ContainerSpec struct {
	Name        string
	Image       string
	Env         map[string]string
	Labels      map[string]string
	Command     []string
	WorkingDir  string
	Mounts      []Mount
	HostNetwork bool
}

// Validate reports the first missing required field.
func (s ContainerSpec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("container name is required")
	}
	if strings.TrimSpace(s.Image) == "" {
		return fmt.Errorf("container image is required")
	}
	return nil
}

// ExecSpec describes one command run inside a container. Stdout and Stderr
// receive output as it is produced; nil discards it.
type ExecSpec struct {
	Command    []string
	Env        map[string]string
	WorkingDir string
	Stdout     io.Writer
	Stderr     io.Writer
}

// ExecResult is the outcome of a finished exec.
type ExecResult struct {
	ExitCode int
	Started  time.Time
	Finished time.Time
}

// WaitPortSpec configures a TCP readiness probe.
type WaitPortSpec struct {
	Address  string
	Port     int
	Timeout  time.Duration
	Interval time.Duration
}

func (s WaitPortSpec) withDefaults() WaitPortSpec {
	if strings.TrimSpace(s.Address) == "" {
		s.Address = "127.0.0.1"
	}
	if s.Timeout <= 0 {
		s.Timeout = 10 * time.Second
	}
	if s.Interval <= 0 {
		s.Interval = 200 * time.Millisecond
	}
	return s
}

// EnvList flattens env into sorted KEY=VALUE entries.
func EnvList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Labels returns labels with ManagedLabel set.
func Labels(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		out[k] = v
	}
	out[ManagedLabel] = "true"
	return out
}
