package pairbox

import (
	"context"
	"errors"
	"net"
	"sync"

	"pkt.systems/pairbox/httpapi"
	"pkt.systems/pairbox/internal/eventbus"
	"pkt.systems/pairbox/internal/metrics"
	"pkt.systems/pairbox/internal/projectstore"
	"pkt.systems/pslog"
)

// Server composes the project API, the realtime hub and the optional relay.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
	// Addr reports the bound listen address once started.
	Addr() string
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	HTTP httpapi.Config
	Hub  httpapi.HubConfig
}

// ServerDeps captures dependencies required to build the server. Backend is
// required and is closed on Stop.
type ServerDeps struct {
	Backend projectstore.Backend
	Relay   httpapi.Relay
	Metrics *metrics.Metrics
	Logger  pslog.Logger
}

// New constructs a composable pairbox server.
func New(cfg ServerConfig, deps ServerDeps) (Server, error) {
	if deps.Backend == nil {
		return nil, errors.New("storage backend is required")
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}
	service := projectstore.NewService(deps.Backend)
	bus := eventbus.New(deps.Logger)
	hub := httpapi.NewHub(bus, service, m, cfg.Hub)
	return &compositeServer{
		cfg:     cfg,
		backend: deps.Backend,
		relay:   deps.Relay,
		hub:     hub,
		httpSrv: httpapi.NewServer(cfg.HTTP, service, hub, m),
	}, nil
}

type compositeServer struct {
	cfg     ServerConfig
	backend projectstore.Backend
	relay   httpapi.Relay
	hub     *httpapi.Hub
	httpSrv *httpapi.Server
	logger  pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	errCh   chan error
	wg      sync.WaitGroup
	addr    string
	started bool
	stopped bool
}

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	addr := s.cfg.HTTP.Addr
	if addr == "" {
		addr = ":27480"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Unlock()
		pslog.Ctx(ctx).Error("server listen failed", "addr", addr, "err", err)
		return err
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.errCh = make(chan error, 2)
	s.started = true
	s.addr = ln.Addr().String()
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	log.Info("server start", "http_addr", s.addr, "relay", s.relay != nil)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := httpapi.Serve(s.ctx, ln, s.httpSrv.Handler()); err != nil {
			log.Error("http server failed", "err", err)
			s.errCh <- err
		}
	}()
	if s.relay != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.hub.RunRelay(s.ctx, s.relay); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("hub relay failed", "err", err)
				s.errCh <- err
			}
		}()
	}
	return nil
}

func (s *compositeServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *compositeServer) Wait() error {
	s.mu.Lock()
	ctx := s.ctx
	errCh := s.errCh
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			pslog.Ctx(ctx).Error("server stopped", "err", err)
			_ = s.Stop(context.Background())
			return err
		}
		return nil
	}
}

func (s *compositeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	stopped := s.stopped
	s.stopped = true
	log := s.logger
	s.mu.Unlock()
	if !started || stopped {
		return nil
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	log.Info("server stop requested")
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-done:
	}
	if err := s.backend.Close(); err != nil {
		log.Warn("server backend close failed", "err", err)
		return err
	}
	log.Info("server stopped")
	return nil
}
