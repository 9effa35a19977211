package core

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"pkt.systems/pairbox/internal/filetree"
	"pkt.systems/pairbox/internal/logx"
	"pkt.systems/pairbox/internal/projectstore"
	"pkt.systems/pairbox/internal/realtime"
	"pkt.systems/pairbox/internal/reconcile"
	"pkt.systems/pairbox/internal/sandbox"
	"pkt.systems/pairbox/schema"
	"pkt.systems/pslog"
)

type sessionState int

const (
	stateIdle sessionState = iota
	stateOpen
	stateClosed
)

// Session is one participant's view of a shared project: the reconciled
// conversation, the file tree, the realtime channel and the sandbox.
type Session struct {
	cfg     SessionConfig
	store   projectstore.Store
	channel *realtime.Channel
	log     *reconcile.Log
	tree    *filetree.Store
	sandbox *sandbox.Controller
	sink    EventSink
	logger  pslog.Logger
	now     func() time.Time

	mu      sync.Mutex
	state   sessionState
	project schema.Project
	synced  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSession wires a session. It does not touch the network until Open.
func NewSession(cfg SessionConfig, deps SessionDeps) (*Session, error) {
	if err := schema.ValidateProjectID(cfg.ProjectID); err != nil {
		return nil, err
	}
	if err := schema.ValidateUserID(cfg.User.ID); err != nil {
		return nil, err
	}
	if deps.Store == nil {
		return nil, errors.New("project store is required")
	}
	if deps.Transport == nil {
		return nil, errors.New("realtime transport is required")
	}
	if deps.EventSink == nil {
		deps.EventSink = NopSink{}
	}
	if deps.Logger == nil {
		deps.Logger = pslog.Ctx(context.Background())
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	logger := deps.Logger.With("project", cfg.ProjectID, "user", cfg.User.ID)
	s := &Session{
		cfg:     cfg,
		store:   deps.Store,
		channel: realtime.NewChannel(deps.Transport),
		log:     reconcile.NewLog(cfg.ProjectID, deps.Cache),
		tree:    filetree.New(cfg.ProjectID, deps.Store, logger),
		sink:    deps.EventSink,
		logger:  logger,
		now:     deps.Now,
		project: schema.Project{ID: cfg.ProjectID},
		synced:  make(chan struct{}),
	}
	if deps.Runtime != nil {
		s.sandbox = sandbox.NewController(deps.Runtime, sandbox.Config{
			ProjectID: cfg.ProjectID,
			Install:   cfg.Install,
			Run:       cfg.Run,
			Isolation: deps.Isolation,
		}, sandbox.ObserverFuncs{
			Output: s.sink.OnOutput,
			Status: s.sink.OnSandbox,
		}, logger)
	}
	s.tree.OnChange(func(tree schema.FileTree, _ filetree.Source) {
		s.sink.OnFileTree(tree)
	})
	s.channel.OnReceive(schema.TopicProjectMessage, s.onChannelMessage)
	return s, nil
}

// Open loads the cached log, connects the channel, starts sandbox
// initialization, and fetches the project and server log in the
// background. Fetch failures degrade to the cached log and an empty tree.
// A channel that cannot connect leaves the session open offline; Send then
// keeps the message locally and returns the channel error.
func (s *Session) Open(ctx context.Context) error {
	if ctx == nil {
		return errors.New("missing context")
	}
	s.mu.Lock()
	switch s.state {
	case stateOpen:
		s.mu.Unlock()
		return schema.ErrSessionOpen
	case stateClosed:
		s.mu.Unlock()
		return schema.ErrSessionClosed
	}
	s.state = stateOpen
	s.mu.Unlock()

	ctx = logx.ContextWithProjectLogger(ctx, s.logger, s.cfg.ProjectID, s.cfg.User.ID)
	log := pslog.Ctx(ctx)
	log.Info("session open start")

	cached := s.log.LoadCached(ctx)
	s.sink.OnHistory(cached)

	if err := s.channel.Open(ctx, s.cfg.ProjectID); err != nil {
		log.Warn("session channel unavailable", "err", err)
	}

	bg, cancel := context.WithCancel(logx.Detach(ctx))
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	if s.sandbox != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			status := s.sandbox.Init(bg)
			pslog.Ctx(bg).Debug("session sandbox init done", "state", status.State)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(s.synced)
		s.sync(bg)
	}()

	log.Info("session open ok", "cached", len(cached))
	return nil
}

func (s *Session) sync(ctx context.Context) {
	log := pslog.Ctx(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		project, err := s.store.FetchProject(gctx, s.cfg.ProjectID)
		if err != nil {
			log.Warn("session project fetch failed", "err", err)
			s.tree.Release()
			return nil
		}
		s.setProject(project)
		s.tree.Rebase(project.FileTree)
		log.Debug("session project fetched", "files", len(project.FileTree), "users", len(project.Users))
		return nil
	})
	g.Go(func() error {
		server, err := s.store.FetchMessages(gctx, s.cfg.ProjectID)
		if err != nil {
			log.Warn("session messages fetch failed", "err", err)
			return nil
		}
		merged := s.log.MergeServer(gctx, server)
		s.sink.OnHistory(merged)
		log.Debug("session messages merged", "server", len(server), "total", len(merged))
		return nil
	})
	_ = g.Wait()
}

// WaitSynced blocks until the open-time project and log fetches finished.
func (s *Session) WaitSynced(ctx context.Context) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == stateIdle {
		return schema.ErrSessionNotOpen
	}
	select {
	case <-s.synced:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send appends text to the log optimistically and then publishes it.
func (s *Session) Send(ctx context.Context, text string) (schema.Message, error) {
	if err := s.checkOpen(); err != nil {
		return schema.Message{}, err
	}
	if strings.TrimSpace(text) == "" {
		return schema.Message{}, schema.ErrEmptyMessage
	}
	msg := schema.Message{
		Sender:    schema.Sender{ID: s.cfg.User.ID, Email: s.cfg.User.Email},
		Body:      text,
		Timestamp: s.now().UTC(),
	}
	s.log.AppendLocal(ctx, msg)
	s.sink.OnMessage(msg)
	if err := s.channel.Send(ctx, schema.TopicProjectMessage, msg); err != nil {
		logx.WithProject(ctx, s.cfg.ProjectID).Warn("session send failed", "err", err)
		return msg, err
	}
	return msg, nil
}

// EditFile replaces one file and persists the tree.
func (s *Session) EditFile(ctx context.Context, path, contents string) (schema.FileTree, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.tree.Update(ctx, path, contents)
}

// InitSandbox retries sandbox initialization, for example after a failure.
func (s *Session) InitSandbox(ctx context.Context) (schema.SandboxStatus, error) {
	if err := s.checkOpen(); err != nil {
		return schema.SandboxStatus{}, err
	}
	if s.sandbox == nil {
		return noSandboxStatus(), nil
	}
	return s.sandbox.Init(ctx), nil
}

// Run mounts the current tree and (re)starts install and run.
func (s *Session) Run(ctx context.Context) (schema.SandboxStatus, error) {
	if err := s.checkOpen(); err != nil {
		return schema.SandboxStatus{}, err
	}
	if s.sandbox == nil {
		return noSandboxStatus(), schema.ErrSandboxNotReady
	}
	return s.sandbox.Run(ctx, s.tree.Snapshot())
}

// AddCollaborators adds users to the project and refreshes the member list.
func (s *Session) AddCollaborators(ctx context.Context, users []schema.UserID) (schema.Project, error) {
	if err := s.checkOpen(); err != nil {
		return schema.Project{}, err
	}
	if len(users) == 0 {
		return s.Project(), schema.ErrInvalidUser
	}
	for _, id := range users {
		if err := schema.ValidateUserID(id); err != nil {
			return s.Project(), err
		}
	}
	log := logx.WithProject(ctx, s.cfg.ProjectID)
	if err := s.store.AddCollaborators(ctx, s.cfg.ProjectID, users); err != nil {
		log.Warn("session add collaborators failed", "err", err)
		return s.Project(), err
	}
	project, err := s.store.FetchProject(ctx, s.cfg.ProjectID)
	if err != nil {
		log.Warn("session project refetch failed", "err", err)
		return s.Project(), err
	}
	s.setProject(project)
	log.Info("session collaborators added", "added", len(users), "users", len(project.Users))
	return project, nil
}

// Close disconnects the channel, stops the sandbox and flushes pending tree
// persistence. Closing twice is a no-op.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = stateClosed
	cancel := s.cancel
	s.mu.Unlock()

	log := pslog.Ctx(logx.ContextWithProjectLogger(ctx, s.logger, s.cfg.ProjectID, s.cfg.User.ID))
	var errs []error
	if err := s.channel.Close(); err != nil {
		errs = append(errs, err)
	}
	if cancel != nil {
		cancel()
	}
	if s.sandbox != nil {
		if err := s.sandbox.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	if err := s.tree.Flush(ctx); err != nil {
		errs = append(errs, err)
	}
	err := errors.Join(errs...)
	if err != nil {
		log.Warn("session close failed", "err", err)
	} else {
		log.Info("session closed")
	}
	return err
}

// Messages returns a copy of the log.
func (s *Session) Messages() []schema.Message { return s.log.Messages() }

// FileTree returns the current tree snapshot. Callers must not mutate it.
func (s *Session) FileTree() schema.FileTree { return s.tree.Snapshot() }

// Project returns the last fetched project.
func (s *Session) Project() schema.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.project
}

// Sandbox returns the sandbox status.
func (s *Session) Sandbox() schema.SandboxStatus {
	if s.sandbox == nil {
		return noSandboxStatus()
	}
	return s.sandbox.Status()
}

// ProjectID returns the session's project.
func (s *Session) ProjectID() schema.ProjectID { return s.cfg.ProjectID }

// User returns the local participant.
func (s *Session) User() schema.User { return s.cfg.User }

func (s *Session) setProject(project schema.Project) {
	s.mu.Lock()
	s.project = project
	s.mu.Unlock()
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateClosed:
		return schema.ErrSessionClosed
	case stateIdle:
		return schema.ErrSessionNotOpen
	}
	return nil
}

func (s *Session) onChannelMessage(ctx context.Context, payload json.RawMessage) {
	var msg schema.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		logx.WithProject(ctx, s.cfg.ProjectID).Warn("session message decode failed", "err", err, "bytes", len(payload))
		return
	}
	s.dispatch(ctx, msg)
}

func (s *Session) dispatch(ctx context.Context, msg schema.Message) Action {
	action, agent := Classify(msg, s.cfg.User.ID)
	log := logx.WithSender(logx.WithProject(ctx, s.cfg.ProjectID), msg.Sender)
	if agent.ParseErr != nil {
		log.Warn("session agent payload malformed", "err", agent.ParseErr)
	}
	switch action {
	case ActionDiscard:
		log.Trace("session echo discarded")
		return action
	case ActionPatchAndAppend:
		if _, err := s.tree.ApplyPatch(ctx, agent.Payload.FileTree); err != nil {
			log.Warn("session agent patch partially applied", "err", err)
		}
	}
	s.log.Append(ctx, msg)
	s.sink.OnMessage(msg)
	log.Debug("session message dispatched", "action", action.String())
	return action
}

func noSandboxStatus() schema.SandboxStatus {
	return schema.SandboxStatus{State: schema.SandboxUnsupported, Error: "no sandbox runtime configured: set sandbox.runtime"}
}
