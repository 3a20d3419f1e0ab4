// Package server wires the cache tiers together and exposes the HTTP
// surface: the availability API, the websocket invalidation channel, the
// admin broadcast endpoint, metrics, health, and static assets.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/villamira/availd/internal/config"
	"github.com/villamira/availd/pkg/availability"
	"github.com/villamira/availd/pkg/clock"
	"github.com/villamira/availd/pkg/dedup"
	"github.com/villamira/availd/pkg/invalidation"
	"github.com/villamira/availd/pkg/logging"
	"github.com/villamira/availd/pkg/offline"
	"github.com/villamira/availd/pkg/querycache"
	"github.com/villamira/availd/pkg/telemetry"
	"github.com/villamira/availd/pkg/upstream"
)

// sweepInterval is how often the query cache is swept for entries past
// their eviction age.
const sweepInterval = time.Minute

// Server owns every tier of the availability engine for one process.
type Server struct {
	cfg    config.Config
	logger zerolog.Logger
	clk    clock.Clock

	tel     *telemetry.Collector
	pms     upstream.Source
	deduper *dedup.Deduper
	batcher *dedup.Batcher
	qc      *querycache.Cache
	store   offline.Store
	agent   *offline.Agent
	hub     *invalidation.Hub

	rdb     *redis.Client
	httpSrv *http.Server
}

// New builds a fully wired server from configuration.
func New(cfg config.Config) (*Server, error) {
	logging.Setup(logging.Config{Level: cfg.Logging.Level, Pretty: cfg.Logging.Pretty})

	s := &Server{
		cfg:    cfg,
		logger: logging.NewLogger("server"),
		clk:    clock.New(),
	}
	s.tel = telemetry.NewCollector(1024, logging.NewLogger("telemetry"))

	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		s.rdb = redis.NewClient(opts)
	}

	pms, err := upstream.NewClient(upstream.Config{
		BaseURL:    cfg.PMS.BaseURL,
		Timeout:    cfg.PMS.Timeout.Std(),
		DefaultTTL: cfg.PMS.DefaultTTL.Std(),
		Retry:      upstream.DefaultRetryConfig(),
		Redis:      s.rdb,
	})
	if err != nil {
		return nil, fmt.Errorf("create pms client: %w", err)
	}
	s.pms = pms

	if s.rdb != nil {
		s.store = offline.NewRedisStore(s.rdb)
	} else {
		store, err := offline.OpenLevelStore(cfg.Offline.Path, s.clk)
		if err != nil {
			return nil, fmt.Errorf("open offline store: %w", err)
		}
		s.store = store
	}

	s.agent = offline.New(s.store, offline.FetcherFunc(s.fetchFromPMS), offline.Config{
		APITTL:     cfg.Offline.APITTL.Std(),
		StaticTTL:  cfg.Offline.StaticTTL.Std(),
		ImageTTL:   cfg.Offline.ImageTTL.Std(),
		Namespaces: offline.DefaultConfig().Namespaces,
	}, s.clk, logging.NewLogger("offline"), s.tel)

	s.deduper = dedup.New(logging.NewLogger("dedup"), s.tel)
	s.batcher = dedup.NewBatcher(s.deduper, s.pms)
	s.qc = querycache.New(querycache.Config{
		StaleAfter:    cfg.Cache.StaleAfter.Std(),
		EvictAfter:    cfg.Cache.EvictAfter.Std(),
		MaxEntries:    cfg.Cache.MaxEntries,
		PrefetchDelay: cfg.Cache.PrefetchDelay.Std(),
	}, s.deduper, s.clk, logging.NewLogger("querycache"), s.tel)

	s.hub = invalidation.NewHub(s.clk, logging.NewLogger("channel"), s.tel)
	s.hub.SetHeartbeatInterval(cfg.Channel.HeartbeatInterval.Std())

	s.httpSrv = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s, nil
}

// fetchFromPMS is the offline agent's network hop: it resolves
// availability lookups against the PMS and serializes the window for
// storage. Non-availability paths have no server-side network backend.
func (s *Server) fetchFromPMS(ctx context.Context, req offline.Request) (*offline.Response, error) {
	ureq, err := offline.ParseAvailabilityQuery(req.Query)
	if err != nil {
		return &offline.Response{Status: http.StatusNotFound, Source: offline.SourceSynthetic}, nil
	}

	window, err := s.pms.FetchWindow(ctx, ureq)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(window)
	if err != nil {
		return nil, fmt.Errorf("encode window: %w", err)
	}
	return &offline.Response{Status: http.StatusOK, Body: body, ContentType: "application/json"}, nil
}

// fetchWindow is the loader behind the query cache: dedup already wraps
// it, the offline agent gives it the network-first TTL fallback.
func (s *Server) fetchWindow(ctx context.Context, ureq upstream.Request) (*availability.Window, error) {
	resp, err := s.agent.Do(ctx, offline.AvailabilityRequest(ureq))
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusOK {
		return nil, fmt.Errorf("%w: availability data unavailable", upstream.ErrRetryExhausted)
	}
	var window availability.Window
	if err := json.Unmarshal(resp.Body, &window); err != nil {
		return nil, fmt.Errorf("%w: %v", upstream.ErrInvalidResponse, err)
	}
	return &window, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/availability", s.handleAvailability)
	mux.HandleFunc("GET /api/availability/batch", s.handleAvailabilityBatch)
	mux.Handle("GET /ws", s.hub)
	mux.HandleFunc("POST /admin/broadcast", s.handleBroadcast)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("/", s.staticHandler())
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go s.hub.Run(hubCtx)
	go s.sweepLoop(hubCtx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Server.Addr).Msg("Listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	err := s.httpSrv.Shutdown(shutdownCtx)

	stopHub()
	s.tel.Close()
	if cerr := s.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if s.rdb != nil {
		if cerr := s.rdb.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// sweepLoop periodically evicts query cache entries past their eviction age.
func (s *Server) sweepLoop(ctx context.Context) {
	ticker := s.clk.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if n := s.qc.Sweep(); n > 0 {
				s.logger.Debug().Int("evicted", n).Msg("Swept expired query cache entries")
			}
		}
	}
}

// Resync refetches every stored availability lookup through the offline
// agent. Exposed for the resync CLI command.
func (s *Server) Resync(ctx context.Context) (int, error) {
	return s.agent.Resync(ctx)
}
