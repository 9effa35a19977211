package shipohoy

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"pkt.systems/pslog"
)

// Runtime manages sandbox container lifecycles.
type Runtime interface {
	Name() string
	Ping(ctx context.Context) error
	EnsureImage(ctx context.Context, image string) error
	EnsureRunning(ctx context.Context, spec ContainerSpec) (Handle, error)
	Remove(ctx context.Context, handle Handle) error
	Exec(ctx context.Context, handle Handle, spec ExecSpec) (ExecResult, error)
	WaitForPort(ctx context.Context, handle Handle, spec WaitPortSpec) error
	Close() error
}

// Handle identifies a running container.
type Handle interface {
	Name() string
	ID() string
}

// ContainerHandle is the Handle returned by the bundled runtimes.
type ContainerHandle struct {
	ContainerName string
	ContainerID   string
}

// Name implements Handle.
func (h ContainerHandle) Name() string { return h.ContainerName }

// ID implements Handle.
func (h ContainerHandle) ID() string { return h.ContainerID }

// DialPort polls a TCP address until it accepts a connection, the timeout
// passes, or ctx ends.
func DialPort(ctx context.Context, log pslog.Logger, spec WaitPortSpec) error {
	spec = spec.withDefaults()
	if spec.Port <= 0 {
		return fmt.Errorf("port must be greater than zero")
	}
	target := net.JoinHostPort(spec.Address, strconv.Itoa(spec.Port))
	log = log.With("target", target)
	log.Trace("wait for port start", "timeout_ms", spec.Timeout.Milliseconds())
	deadline := time.Now().Add(spec.Timeout)
	dialer := net.Dialer{Timeout: spec.Interval}
	for {
		conn, err := dialer.DialContext(ctx, "tcp", target)
		if err == nil {
			_ = conn.Close()
			log.Trace("wait for port ok")
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("port %s not ready: %w", target, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(spec.Interval):
		}
	}
}
