// Package api exposes the synchronization service over HTTP and owns
// the lifecycle of every component behind it.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/archive"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/cache"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/cipher"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/config"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/epic"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/events"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/gitlab"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/monitor"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/permission"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/registry"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/store"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/syncer"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log logrus.FieldLogger
	cfg *config.Config

	db        store.Store
	cache     cache.Store
	instances *registry.Instances
	mappings  *registry.Mappings
	ledger    permission.Ledger
	dedup     *events.Deduplicator
	queue     *events.Queue
	orch      *syncer.Orchestrator
	bridge    *epic.Bridge
	monitor   *monitor.Monitor

	httpServer *http.Server
	wg         sync.WaitGroup
}

// NewServer creates a new API server.
func NewServer(log logrus.FieldLogger, cfg *config.Config) Server {
	return &server{
		log: log.WithField("component", "api"),
		cfg: cfg,
	}
}

// Start initializes every component, then starts the HTTP server and
// the background loops.
func (s *server) Start(ctx context.Context) error {
	// Database first, everything else hangs off it.
	s.db = store.New(s.log, &s.cfg.Database)
	if err := s.db.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	s.cache = cache.New(
		s.log,
		s.cfg.Cache.Enabled,
		config.Duration(s.cfg.Cache.TTL),
		s.cfg.Cache.MaxEntries,
	)
	if err := s.cache.Start(); err != nil {
		return fmt.Errorf("starting cache: %w", err)
	}

	tokenCipher := cipher.New(s.log, s.cfg.Global.TokenSecret)

	s.instances = registry.NewInstances(
		s.log, s.db, s.cache, tokenCipher, s.gatewayFactory())
	s.mappings = registry.NewMappings(s.log, s.db, s.cache, s.instances)
	s.ledger = permission.NewStoreBacked(s.log, s.db)

	s.dedup = events.NewDeduplicator(
		s.log, config.Duration(s.cfg.Events.RetentionWindow))
	if err := s.dedup.Start(); err != nil {
		return fmt.Errorf("starting deduplicator: %w", err)
	}

	s.queue = events.NewQueue(
		s.log, s.db, s.dedup, events.QueueConfigFrom(s.cfg.Events))
	s.registerEventHandlers()

	if err := s.queue.Start(); err != nil {
		return fmt.Errorf("starting event queue: %w", err)
	}

	s.orch = syncer.New(
		s.log, s.db, s.cache, s.instances, s.dedup,
		archive.New(s.log, s.cfg.Archive),
		syncer.ConfigFrom(s.cfg.Sync),
	)
	if err := s.orch.Start(); err != nil {
		return fmt.Errorf("starting sync orchestrator: %w", err)
	}

	s.bridge = epic.NewBridge(s.log, s.db, s.instances, s.mappings)

	if s.cfg.Monitoring.Enabled {
		s.monitor = monitor.New(
			s.log, config.Duration(s.cfg.Monitoring.Interval))
		if err := s.monitor.Start(); err != nil {
			return fmt.Errorf("starting monitor: %w", err)
		}
	}

	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Server.Listen).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop shuts down the HTTP server first, then the background
// components, then the store.
func (s *server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	if s.monitor != nil {
		if err := s.monitor.Stop(); err != nil {
			s.log.WithError(err).Warn("Monitor stop error")
		}
	}

	if s.orch != nil {
		if err := s.orch.Stop(); err != nil {
			s.log.WithError(err).Warn("Sync orchestrator stop error")
		}
	}

	if s.queue != nil {
		if err := s.queue.Stop(); err != nil {
			s.log.WithError(err).Warn("Event queue stop error")
		}
	}

	if s.dedup != nil {
		if err := s.dedup.Stop(); err != nil {
			s.log.WithError(err).Warn("Deduplicator stop error")
		}
	}

	if s.cache != nil {
		if err := s.cache.Stop(); err != nil {
			s.log.WithError(err).Warn("Cache stop error")
		}
	}

	if s.db != nil {
		if err := s.db.Stop(); err != nil {
			return fmt.Errorf("stopping store: %w", err)
		}
	}

	s.log.Info("API server stopped")

	return nil
}

func (s *server) gatewayFactory() registry.GatewayFactory {
	return func(baseURL, token string) gitlab.Gateway {
		return gitlab.New(s.log, gitlab.Options{
			BaseURL:           baseURL,
			Token:             token,
			Timeout:           config.Duration(s.cfg.GitLab.Timeout),
			Retries:           s.cfg.GitLab.Retries,
			RequestsPerMinute: s.cfg.GitLab.RequestsPerMinute,
			PerPage:           s.cfg.GitLab.PerPage,
		})
	}
}

// registerEventHandlers wires the processing side of the queue. A
// remote change invalidates the instance's cached listings so the next
// read refetches.
func (s *server) registerEventHandlers() {
	invalidate := func(kinds ...string) events.Handler {
		return func(_ context.Context, ev *store.QueuedEvent) error {
			for _, kind := range kinds {
				cache.InvalidateKind(s.cache, kind, ev.InstanceID)
			}

			return nil
		}
	}

	s.queue.RegisterHandler(events.KindIssue,
		invalidate(cache.KindProjects))
	s.queue.RegisterHandler(events.KindMergeRequest,
		invalidate(cache.KindProjects))
	s.queue.RegisterHandler(events.KindNote,
		invalidate(cache.KindProjects))
	s.queue.RegisterHandler(events.KindPush,
		invalidate(cache.KindProjects, cache.KindMappings))
	s.queue.RegisterHandler(events.KindPipeline,
		invalidate(cache.KindProjects))
}
