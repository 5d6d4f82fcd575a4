package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/uuid/v5"
	"golang.org/x/sync/errgroup"

	"github.com/flowlite/flowlite/api"
	"github.com/flowlite/flowlite/api/serde"
	"github.com/flowlite/flowlite/internal/engine"
	"github.com/flowlite/flowlite/internal/server/config"
	"github.com/flowlite/flowlite/internal/server/handler/command"
	jetstreamx "github.com/flowlite/flowlite/internal/server/infra/jetstream"
	"github.com/flowlite/flowlite/internal/store"
)

// Manager owns the server-side runtime: the NATS connection, the process
// store, the engine and the command handler, plus the periodic timer pass
// that keeps deadline-driven instances moving.
type Manager struct {
	conn    *jetstreamx.Connection
	store   store.Store
	eng     *engine.Engine
	handler *command.Handler
	serde   serde.BinarySerde
	cfg     *config.Config

	// eventCursors tracks the last published event sequence per instance.
	// Touched only by the event pump goroutine.
	eventCursors map[uuid.UUID]uint64
}

func NewManager(ctx context.Context, cfg *config.Config, conv serde.BinarySerde) (*Manager, error) {
	conn, err := jetstreamx.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	if !conn.IsConnected() {
		conn.Close()
		return nil, fmt.Errorf("cannot connect to NATS instance")
	}

	st, err := openStore(cfg, conv)
	if err != nil {
		conn.Close()
		return nil, err
	}

	eng := engine.New(st,
		engine.WithLogger(slog.Default()),
		engine.WithRetryBudget(cfg.Engine.JobRetries),
	)

	m := &Manager{
		conn:         conn,
		store:        st,
		eng:          eng,
		handler:      command.NewHandler(conn, eng, conv),
		serde:        conv,
		cfg:          cfg,
		eventCursors: make(map[uuid.UUID]uint64),
	}

	if err := m.ensureStreams(ctx); err != nil {
		m.Shutdown()
		return nil, fmt.Errorf("failed to ensure NATS streams: %w", err)
	}

	return m, nil
}

func openStore(cfg *config.Config, conv serde.BinarySerde) (store.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return store.NewMemoryStore(), nil
	case "bolt":
		st, err := store.OpenBolt(cfg.Store.Path, conv)
		if err != nil {
			return nil, fmt.Errorf("opening bolt store at %s: %w", cfg.Store.Path, err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// Engine exposes the engine for embedding callers.
func (m *Manager) Engine() *engine.Engine {
	return m.eng
}

func (m *Manager) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("starting command processor")
		return command.RunProcessor(gCtx, m.conn, m.handler)
	})

	g.Go(func() error {
		slog.Info("starting timer ticker", "interval", m.cfg.Engine.TickInterval)
		return m.runTicker(gCtx)
	})

	g.Go(func() error {
		slog.Info("starting event pump")
		return m.runEventPump(gCtx)
	})

	slog.Info("manager is running", "components", 3)

	err := g.Wait()

	slog.Info("initiating graceful shutdown")
	m.Shutdown()

	if err != nil && err != context.Canceled {
		slog.Error("manager stopped with error", "error", err)
		return err
	}

	slog.Info("manager shutdown complete")
	return nil
}

// runTicker drives the periodic timer pass: every interval it ticks each
// running instance and dispatches any activations that became pending.
func (m *Manager) runTicker(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Engine.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			instances, err := m.store.RunningInstances(ctx)
			if err != nil {
				slog.Error("timer pass: listing running instances", "error", err)
				continue
			}
			for _, id := range instances {
				m.handler.DispatchInstance(ctx, id)
			}
		}
	}
}

// runEventPump publishes newly appended audit events onto the event
// stream. Cursors survive instance completion for one final drain.
func (m *Manager) runEventPump(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Engine.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.pumpEvents(ctx); err != nil {
				slog.Error("event pump pass failed", "error", err)
			}
		}
	}
}

func (m *Manager) pumpEvents(ctx context.Context) error {
	running, err := m.store.RunningInstances(ctx)
	if err != nil {
		return err
	}

	active := make(map[uuid.UUID]bool, len(running))
	for _, id := range running {
		active[id] = true
		if _, ok := m.eventCursors[id]; !ok {
			m.eventCursors[id] = 0
		}
	}

	for id, cursor := range m.eventCursors {
		events, err := m.store.ReadEvents(ctx, id, cursor)
		if err != nil {
			slog.Error("event pump: reading events", "instance_id", id, "error", err)
			continue
		}
		for _, ev := range events {
			data, err := m.serde.SerializeBinary(ev)
			if err != nil {
				return fmt.Errorf("serializing event seq %d: %w", ev.Seq, err)
			}
			subject := fmt.Sprintf(api.EventPublishSubjectPattern, id)
			if _, err := m.conn.PublishJS(ctx, subject, data); err != nil {
				slog.Error("event pump: publish failed", "instance_id", id, "seq", ev.Seq, "error", err)
				break
			}
			m.eventCursors[id] = ev.Seq + 1
		}
		// Terminal instances get one drain after leaving the running set.
		if !active[id] && len(events) == 0 {
			delete(m.eventCursors, id)
		}
	}
	return nil
}

// Shutdown performs graceful shutdown of all manager components
func (m *Manager) Shutdown() {
	slog.Info("shutting down manager components")

	if m.conn != nil {
		slog.Info("closing NATS connection")
		m.conn.Close()
		slog.Info("NATS connection closed")
	}

	if closer, ok := m.store.(interface{ Close() error }); ok && closer != nil {
		if err := closer.Close(); err != nil {
			slog.Error("failed to close store", "error", err)
		}
	}
}
