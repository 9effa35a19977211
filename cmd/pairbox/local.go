package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"pkt.systems/pairbox/internal/appconfig"
	"pkt.systems/pairbox/internal/eventbus"
	"pkt.systems/pairbox/internal/projectstore"
	"pkt.systems/pairbox/internal/realtime"
	"pkt.systems/pairbox/internal/realtime/memconn"
	"pkt.systems/pairbox/schema"
	"pkt.systems/pslog"
)

const localRecorderID = "local-recorder"

// localWorkspace runs a session against the configured server storage in
// process, without a running server.
type localWorkspace struct {
	backend projectstore.Backend
	service *projectstore.Service
	bus     *eventbus.Bus
	wg      sync.WaitGroup
}

func openLocal(ctx context.Context, cfg appconfig.Config) (*localWorkspace, error) {
	backend, err := projectstore.OpenBackend(ctx, projectstore.BackendKind(cfg.Server.Storage), cfg.Server.StateDir, cfg.Server.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return &localWorkspace{
		backend: backend,
		service: projectstore.NewService(backend),
		bus:     eventbus.New(pslog.Ctx(ctx)),
	}, nil
}

func (w *localWorkspace) directory(user schema.User) projectstore.Directory {
	return projectstore.NewLocal(w.service, user)
}

func (w *localWorkspace) transport() realtime.Transport {
	return memconn.New(w.bus)
}

// record stores chat messages published in the project room until the
// returned stop func is called.
func (w *localWorkspace) record(ctx context.Context, projectID schema.ProjectID) func() {
	events, cancel := w.bus.Subscribe(projectID, localRecorderID)
	log := pslog.Ctx(ctx).With("project", projectID)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for event := range events {
			if event.Topic != schema.TopicProjectMessage {
				continue
			}
			var msg schema.Message
			if err := json.Unmarshal(event.Payload, &msg); err != nil {
				log.Warn("local record decode failed", "err", err)
				continue
			}
			if err := w.service.RecordMessage(context.WithoutCancel(ctx), projectID, msg); err != nil {
				log.Warn("local record failed", "err", err)
			}
		}
	}()
	return func() {
		cancel()
		w.wg.Wait()
	}
}

func (w *localWorkspace) Close() error {
	w.wg.Wait()
	return w.backend.Close()
}
