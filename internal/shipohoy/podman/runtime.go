package podman

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pkt.systems/pairbox/internal/shipohoy"
	"pkt.systems/pslog"
)

// Config configures the Podman runtime.
type Config struct {
	Address     string
	UserNSMode  string
	PullTimeout time.Duration
}

// Runtime implements shipohoy.Runtime on Podman's HTTP API.
type Runtime struct {
	client      *client
	usernsMode  string
	pullTimeout time.Duration
}

var _ shipohoy.Runtime = (*Runtime)(nil)

// New connects to the first reachable Podman socket.
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	log := pslog.Ctx(ctx).With("runtime", "podman")
	var lastErr error
	for _, addr := range candidateAddresses(cfg.Address) {
		cl, err := newClient(addr)
		if err == nil {
			err = cl.ping(ctx)
		}
		if err != nil {
			log.Debug("podman connect failed", "address", addr, "err", err)
			lastErr = err
			continue
		}
		timeout := cfg.PullTimeout
		if timeout <= 0 {
			timeout = 5 * time.Minute
		}
		log.Info("podman runtime ready", "address", addr)
		return &Runtime{client: cl, usernsMode: strings.TrimSpace(cfg.UserNSMode), pullTimeout: timeout}, nil
	}
	if lastErr == nil {
		lastErr = errors.New("podman address not configured")
	}
	log.Warn("podman runtime unavailable", "err", lastErr)
	return nil, lastErr
}

// Name implements shipohoy.Runtime.
func (r *Runtime) Name() string { return "podman" }

// Ping implements shipohoy.Runtime.
func (r *Runtime) Ping(ctx context.Context) error { return r.client.ping(ctx) }

// Close implements shipohoy.Runtime.
func (r *Runtime) Close() error { return nil }

// EnsureImage pulls image unless it is already present.
func (r *Runtime) EnsureImage(ctx context.Context, image string) error {
	image = strings.TrimSpace(image)
	if image == "" {
		return errors.New("image is required")
	}
	log := r.logger(ctx).With("image", image)
	err := r.client.call(ctx, http.MethodGet, "/libpod/images/"+image+"/exists", nil, nil, nil)
	if err == nil {
		log.Debug("podman image present")
		return nil
	}
	if !isStatus(err, http.StatusNotFound) {
		log.Warn("podman image check failed", "err", err)
		return err
	}
	pullCtx, cancel := context.WithTimeout(ctx, r.pullTimeout)
	defer cancel()
	query := url.Values{}
	query.Set("reference", image)
	query.Set("quiet", "true")
	log.Info("podman image pull start")
	if err := r.client.call(pullCtx, http.MethodPost, "/libpod/images/pull", query, nil, nil); err != nil {
		log.Warn("podman image pull failed", "err", err)
		return err
	}
	log.Info("podman image pull ok")
	return nil
}

// EnsureRunning creates the container if needed and starts it.
func (r *Runtime) EnsureRunning(ctx context.Context, spec shipohoy.ContainerSpec) (shipohoy.Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	log := r.logger(ctx).With("container", spec.Name, "image", spec.Image)
	var inspect struct {
		ID    string `json:"Id"`
		State struct {
			Running bool `json:"Running"`
		} `json:"State"`
	}
	err := r.client.call(ctx, http.MethodGet, "/containers/"+spec.Name+"/json", nil, nil, &inspect)
	switch {
	case err == nil:
	case isStatus(err, http.StatusNotFound):
		id, err := r.create(ctx, spec)
		if err != nil {
			log.Warn("podman create failed", "err", err)
			return nil, err
		}
		inspect.ID = id
		log.Info("podman container created", "id", id)
	default:
		log.Warn("podman inspect failed", "err", err)
		return nil, err
	}
	if !inspect.State.Running {
		err := r.client.call(ctx, http.MethodPost, "/containers/"+inspect.ID+"/start", nil, nil, nil)
		if err != nil && !isStatus(err, http.StatusNotModified) {
			log.Warn("podman start failed", "err", err)
			return nil, err
		}
	}
	log.Info("podman container ready", "id", inspect.ID)
	return shipohoy.ContainerHandle{ContainerName: spec.Name, ContainerID: inspect.ID}, nil
}

func (r *Runtime) create(ctx context.Context, spec shipohoy.ContainerSpec) (string, error) {
	hostConfig := map[string]any{}
	if spec.HostNetwork {
		hostConfig["NetworkMode"] = "host"
	}
	if r.usernsMode != "" {
		hostConfig["UsernsMode"] = r.usernsMode
	}
	var binds []string
	for _, m := range spec.Mounts {
		if m.Source == "" || m.Target == "" {
			continue
		}
		bind := m.Source + ":" + m.Target
		if m.ReadOnly {
			bind += ":ro"
		}
		binds = append(binds, bind)
	}
	if len(binds) > 0 {
		hostConfig["Binds"] = binds
	}
	req := map[string]any{
		"Image":      spec.Image,
		"Cmd":        spec.Command,
		"WorkingDir": spec.WorkingDir,
		"Labels":     shipohoy.Labels(spec.Labels),
		"Env":        shipohoy.EnvList(spec.Env),
		"HostConfig": hostConfig,
	}
	query := url.Values{}
	query.Set("name", spec.Name)
	var created struct {
		ID string `json:"Id"`
	}
	if err := r.client.call(ctx, http.MethodPost, "/containers/create", query, req, &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", errors.New("podman create returned no container id")
	}
	return created.ID, nil
}

// Remove force-removes the container. A missing container is not an error.
func (r *Runtime) Remove(ctx context.Context, handle shipohoy.Handle) error {
	if handle == nil {
		return nil
	}
	log := r.logger(ctx).With("container", handle.Name())
	query := url.Values{}
	query.Set("force", "true")
	err := r.client.call(ctx, http.MethodDelete, "/containers/"+handle.ID(), query, nil, nil)
	if err != nil && !isStatus(err, http.StatusNotFound) {
		log.Warn("podman remove failed", "err", err)
		return err
	}
	log.Info("podman remove ok")
	return nil
}

// Exec runs a command and streams its output until it exits.
func (r *Runtime) Exec(ctx context.Context, handle shipohoy.Handle, spec shipohoy.ExecSpec) (shipohoy.ExecResult, error) {
	if handle == nil {
		return shipohoy.ExecResult{}, errors.New("container handle is required")
	}
	if len(spec.Command) == 0 {
		return shipohoy.ExecResult{}, errors.New("exec command is required")
	}
	log := r.logger(ctx).With("container", handle.Name(), "cmd", spec.Command[0])
	started := time.Now()
	req := map[string]any{
		"AttachStdout": true,
		"AttachStderr": true,
		"Tty":          false,
		"Cmd":          spec.Command,
		"Env":          shipohoy.EnvList(spec.Env),
	}
	if spec.WorkingDir != "" {
		req["WorkingDir"] = spec.WorkingDir
	}
	var created struct {
		ID string `json:"Id"`
	}
	if err := r.client.call(ctx, http.MethodPost, "/containers/"+handle.ID()+"/exec", nil, req, &created); err != nil {
		log.Warn("podman exec create failed", "err", err)
		return shipohoy.ExecResult{}, err
	}
	res, err := r.client.do(ctx, http.MethodPost, "/exec/"+created.ID+"/start", nil, map[string]any{"Detach": false, "Tty": false})
	if err != nil {
		log.Warn("podman exec start failed", "err", err)
		return shipohoy.ExecResult{}, err
	}
	if res.StatusCode >= 300 {
		err := readAPIError(res)
		_ = res.Body.Close()
		log.Warn("podman exec start failed", "err", err)
		return shipohoy.ExecResult{}, err
	}
	streamErr := demux(res.Body, spec.Stdout, spec.Stderr)
	_ = res.Body.Close()
	if streamErr != nil {
		log.Warn("podman exec stream failed", "err", streamErr)
		return shipohoy.ExecResult{}, streamErr
	}
	var inspect struct {
		Running  bool `json:"Running"`
		ExitCode int  `json:"ExitCode"`
	}
	if err := r.client.call(ctx, http.MethodGet, "/exec/"+created.ID+"/json", nil, nil, &inspect); err != nil {
		log.Warn("podman exec inspect failed", "err", err)
		return shipohoy.ExecResult{}, err
	}
	finished := time.Now()
	log.Debug("podman exec done", "exit_code", inspect.ExitCode, "duration_ms", finished.Sub(started).Milliseconds())
	return shipohoy.ExecResult{ExitCode: inspect.ExitCode, Started: started, Finished: finished}, nil
}

// WaitForPort probes the port from the host; sandbox containers share the
// host network.
func (r *Runtime) WaitForPort(ctx context.Context, _ shipohoy.Handle, spec shipohoy.WaitPortSpec) error {
	return shipohoy.DialPort(ctx, r.logger(ctx), spec)
}

func (r *Runtime) logger(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx).With("runtime", "podman")
}

// demux splits the multiplexed exec stream: an 8-byte header carrying the
// stream id in byte 0 and the big-endian frame size in bytes 4..8.
func demux(r io.Reader, stdout, stderr io.Writer) error {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	var header [8]byte
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		size := int64(binary.BigEndian.Uint32(header[4:8]))
		dst := stdout
		if header[0] == 2 {
			dst = stderr
		}
		if _, err := io.CopyN(dst, r, size); err != nil {
			return fmt.Errorf("exec stream frame: %w", err)
		}
	}
}
