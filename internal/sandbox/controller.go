// Package sandbox drives the install/run lifecycle of a session's isolated
// execution environment.
package sandbox

import (
	"bufio"
	"context"
	"errors"
	"strings"
	"sync"

	"pkt.systems/pairbox/internal/logx"
	"pkt.systems/pairbox/schema"
	"pkt.systems/pslog"
)

const maxLineBytes = 1 << 20

// Config configures a Controller.
type Config struct {
	ProjectID schema.ProjectID
	Install   Command
	Run       Command
	// Isolation overrides the runtime's own precondition check.
	Isolation IsolationCheck
}

// Controller owns one sandbox handle and at most one active run process.
//
// State transitions:
//
//	uninitialized -> initializing -> ready | failed
//	uninitialized -> unsupported
//	ready | running | failed(with handle) -> running  (Run)
//	any -> failed                                      (mount or spawn error)
type Controller struct {
	runtime  Runtime
	cfg      Config
	observer Observer
	log      pslog.Logger

	// initMu serializes Init and Close.
	initMu sync.Mutex

	mu     sync.Mutex
	status schema.SandboxStatus
	handle Handle

	// runMu serializes Run and Close so supersede sees a stable run handle.
	runMu   sync.Mutex
	run     Process
	install Process

	streams sync.WaitGroup
}

// NewController constructs a Controller in the uninitialized state.
func NewController(runtime Runtime, cfg Config, observer Observer, logger pslog.Logger) *Controller {
	if cfg.Install.Name == "" {
		cfg.Install = DefaultInstall
	}
	if cfg.Run.Name == "" {
		cfg.Run = DefaultRun
	}
	if cfg.Isolation == nil {
		if checker, ok := runtime.(IsolationChecker); ok {
			cfg.Isolation = checker.CheckIsolation
		} else {
			cfg.Isolation = func(context.Context) (bool, string) { return true, "" }
		}
	}
	if observer == nil {
		observer = ObserverFuncs{}
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Controller{
		runtime:  runtime,
		cfg:      cfg,
		observer: observer,
		log:      logger.With("project", cfg.ProjectID, "runtime", runtime.Name()),
		status:   schema.SandboxStatus{State: schema.SandboxUninitialized},
	}
}

// Status returns the current status.
func (c *Controller) Status() schema.SandboxStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Init checks the isolation precondition and creates the sandbox. It is a
// no-op unless the controller is uninitialized or failed without a handle.
// When the precondition fails the runtime is never asked to create anything.
// Failures are reported in the returned status.
func (c *Controller) Init(ctx context.Context) schema.SandboxStatus {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	c.mu.Lock()
	if !c.canInitLocked() {
		status := c.status
		c.mu.Unlock()
		return status
	}
	c.mu.Unlock()

	if ok, description := c.cfg.Isolation(ctx); !ok {
		err := NewError(KindUnsupported, "isolation check", errors.New(description))
		c.log.Warn("sandbox unsupported", "reason", description)
		return c.setStatus(func(s *schema.SandboxStatus) {
			s.State = schema.SandboxUnsupported
			s.Error = err.Error()
		})
	}
	c.setStatus(func(s *schema.SandboxStatus) {
		s.State = schema.SandboxInitializing
		s.Error = ""
	})

	c.log.Info("sandbox create start")
	handle, err := c.runtime.Create(ctx)
	if err != nil {
		sbErr := NewError(KindCreate, "create", err)
		c.log.Warn("sandbox create failed", "err", err)
		return c.setStatus(func(s *schema.SandboxStatus) {
			s.State = schema.SandboxFailed
			s.Error = sbErr.Error()
		})
	}
	handle.OnServerReady(c.onServerReady)

	c.mu.Lock()
	c.handle = handle
	c.mu.Unlock()
	c.log.Info("sandbox create ok")
	return c.setStatus(func(s *schema.SandboxStatus) {
		s.State = schema.SandboxReady
		s.Error = ""
	})
}

// Run mounts tree, starts install, supersedes the previous run and starts a
// new run without waiting for install to exit. It returns
// schema.ErrSandboxNotReady when no sandbox handle can accept the run;
// mount and spawn failures are reported in the returned status.
func (c *Controller) Run(ctx context.Context, tree schema.FileTree) (schema.SandboxStatus, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	c.mu.Lock()
	handle := c.handle
	status := c.status
	accept := handle != nil && (status.CanRun() || status.State == schema.SandboxFailed)
	runNumber := status.Runs + 1
	c.mu.Unlock()
	if !accept {
		return status, schema.ErrSandboxNotReady
	}

	log := logx.WithProject(ctx, c.cfg.ProjectID).With("run", runNumber)
	log.Info("sandbox run start", "files", len(tree))

	if err := handle.Mount(ctx, tree); err != nil {
		return c.fail(log, NewError(KindMount, "mount", err)), nil
	}

	install, err := handle.Spawn(ctx, c.cfg.Install.Name, c.cfg.Install.Args)
	if err != nil {
		return c.fail(log, NewError(KindSpawn, "spawn "+c.cfg.Install.Name, err)), nil
	}
	c.install = install
	c.stream(install, schema.OutputInstall, runNumber)

	if c.run != nil {
		previous := c.run
		c.run = nil
		if err := previous.Kill(); err != nil {
			log.Warn("sandbox supersede kill failed", "err", NewError(KindKill, "kill", err))
		} else {
			log.Debug("sandbox supersede ok")
		}
	}

	run, err := handle.Spawn(ctx, c.cfg.Run.Name, c.cfg.Run.Args)
	if err != nil {
		return c.fail(log, NewError(KindSpawn, "spawn "+c.cfg.Run.Name, err)), nil
	}
	c.run = run
	c.stream(run, schema.OutputRun, runNumber)

	log.Info("sandbox run ok")
	return c.setStatus(func(s *schema.SandboxStatus) {
		s.State = schema.SandboxRunning
		s.Error = ""
		s.Runs = runNumber
	}), nil
}

// Close terminates the active processes, releases the handle and waits for
// output streams to drain or ctx to end.
func (c *Controller) Close(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	c.runMu.Lock()
	run, install := c.run, c.install
	c.run, c.install = nil, nil
	c.mu.Lock()
	handle := c.handle
	c.handle = nil
	c.mu.Unlock()

	var errs []error
	for _, proc := range []Process{run, install} {
		if proc == nil {
			continue
		}
		if err := proc.Kill(); err != nil {
			errs = append(errs, NewError(KindKill, "kill", err))
		}
	}
	if handle != nil {
		if err := handle.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.runMu.Unlock()

	done := make(chan struct{})
	go func() {
		c.streams.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	c.mu.Lock()
	if c.status.State != schema.SandboxUnsupported {
		c.status = schema.SandboxStatus{State: schema.SandboxUninitialized, Runs: c.status.Runs}
	}
	c.mu.Unlock()
	if handle != nil {
		c.log.Info("sandbox closed")
	}
	return errors.Join(errs...)
}

func (c *Controller) canInitLocked() bool {
	switch c.status.State {
	case schema.SandboxUninitialized:
		return true
	case schema.SandboxFailed:
		return c.handle == nil
	default:
		return false
	}
}

func (c *Controller) onServerReady(port int, url string) {
	c.log.Info("sandbox server ready", "port", port, "url", url)
	c.setStatus(func(s *schema.SandboxStatus) {
		s.PreviewPort = port
		s.PreviewURL = url
	})
}

func (c *Controller) fail(log pslog.Logger, err *Error) schema.SandboxStatus {
	log.Warn("sandbox run failed", "kind", err.Kind, "err", err)
	return c.setStatus(func(s *schema.SandboxStatus) {
		s.State = schema.SandboxFailed
		s.Error = err.Error()
	})
}

func (c *Controller) setStatus(fn func(*schema.SandboxStatus)) schema.SandboxStatus {
	c.mu.Lock()
	fn(&c.status)
	status := c.status
	c.mu.Unlock()
	c.observer.OnSandbox(status)
	return status
}

func (c *Controller) stream(proc Process, stream schema.OutputStream, run int) {
	out := proc.Output()
	if out == nil {
		return
	}
	c.streams.Add(1)
	go func() {
		defer c.streams.Done()
		scanner := bufio.NewScanner(out)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			c.observer.OnOutput(schema.OutputEvent{
				ProjectID: c.cfg.ProjectID,
				Stream:    stream,
				Run:       run,
				Line:      strings.TrimRight(scanner.Text(), "\r"),
			})
		}
		if err := scanner.Err(); err != nil {
			c.log.Debug("sandbox output closed", "stream", stream, "run", run, "err", err)
		}
	}()
}
