package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"

	"paystream/internal/ledger"
	"paystream/internal/notify"
	"paystream/internal/paynode"
	"paystream/internal/platform/config"
	"paystream/internal/platform/logger"
	"paystream/internal/platform/metrics"
	"paystream/internal/streaming"
)

func main() {
	_ = config.Load()
	cfg := config.FromEnv()
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, log); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Settings, log *slog.Logger) error {
	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	node, err := paynode.New(cfg.NodeURL, paynode.WithToken(cfg.NodeToken), paynode.WithTimeout(cfg.NodeTimeout))
	if err != nil {
		return err
	}

	hub := notify.NewHub(log)
	sinks := notify.Fanout{notify.NewLogSink(log), hub}
	var recent *notify.RedisSink
	if cfg.RedisAddr != "" {
		rdb, err := notify.Connect(context.Background(), cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		recent = notify.NewRedisSink(rdb, cfg.NotifyChannel)
		sinks = append(sinks, recent)
	}

	var met *metrics.Metrics
	opts := []streaming.Option{streaming.WithLogger(log)}
	if cfg.MetricsEnabled {
		met = metrics.New()
		met.Registry().MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts = append(opts, streaming.WithMetrics(met))
	}
	if cfg.FiatRate != "" {
		rate, err := decimal.NewFromString(cfg.FiatRate)
		if err != nil {
			return fmt.Errorf("invalid FIAT_RATE %q: %w", cfg.FiatRate, err)
		}
		opts = append(opts, streaming.WithRates(streaming.FixedRate(rate)))
	}

	registry := streaming.NewRegistry(store)
	sched := streaming.NewScheduler(registry, store, node, sinks, opts...)
	loaded, err := sched.LoadStreams(context.Background())
	if err != nil {
		return fmt.Errorf("load streams: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(log))
	if met != nil {
		r.Use(metrics.RequestMiddleware(met))
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			met.Handler(func() { met.SetStreaming(sched.StreamingCount()) }).ServeHTTP(w, r)
		})
	}
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := node.Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	r.Handle("/notifications/ws", hub)
	if recent != nil {
		r.Get("/notifications", recentHandler(recent, log))
	}
	streaming.NewHandler(sched, log).Routes(r)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	log.Info("server starting",
		"port", cfg.Port,
		"ledger_driver", cfg.LedgerDriver,
		"node_url", cfg.NodeURL,
		"streams_loaded", len(loaded),
		"redis", cfg.RedisAddr != "",
		"log_level", cfg.LogLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Info("shutdown signal received, pausing streams and draining connections")
	case err := <-errCh:
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	hub.Close()
	var errs []error
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := sched.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("pause streams: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	log.Info("server stopped")
	return nil
}

// openStore picks the ledger backend named by LEDGER_DRIVER.
func openStore(cfg config.Settings) (streaming.Store, func() error, error) {
	switch cfg.LedgerDriver {
	case "memory":
		return streaming.NewInMemoryStore(), func() error { return nil }, nil
	case ledger.DriverSQLite, ledger.DriverPostgres:
		s, err := ledger.Open(cfg.LedgerDriver, cfg.LedgerDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown LEDGER_DRIVER %q", cfg.LedgerDriver)
	}
}

func recentHandler(sink *notify.RedisSink, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		list, err := sink.Recent(r.Context(), limit)
		if err != nil {
			log.Error("read notifications failed", "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"notifications": list})
	}
}
