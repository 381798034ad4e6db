package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"domain-rpc/config"
	"domain-rpc/metrics"
	"domain-rpc/middleware"
	"domain-rpc/registry"
	"domain-rpc/server"
	"domain-rpc/transport"
)

const shutdownTimeout = 10 * time.Second

type ServeCmd struct {
	Listen    string `help:"Listen address, overrides the config file."`
	Transport string `help:"tcp or ws, overrides the config file."`
}

func (s *ServeCmd) Run(g *Globals) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if s.Listen != "" {
		cfg.Listen = s.Listen
	}
	if s.Transport != "" {
		cfg.Transport = s.Transport
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, logger)
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.New(promReg)

	eg, ctx := errgroup.WithContext(ctx)

	var l transport.Listener
	switch cfg.Transport {
	case "ws":
		wsl := transport.NewWebSocketListener(transport.WithCheckOrigin(func(*http.Request) bool { return true }))
		mux := http.NewServeMux()
		mux.Handle("/", wsl)
		runHTTP(ctx, eg, &http.Server{Addr: cfg.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second})
		l = wsl
	default:
		tl, err := transport.ListenTCP(cfg.Listen, transport.WithHeartbeat(cfg.Heartbeat))
		if err != nil {
			return err
		}
		l = tl
	}

	opts := []server.Option{server.WithLogger(logger), server.WithMetrics(collector)}
	if cfg.Log.Console {
		opts = append(opts, server.WithLogConsole())
	}
	srv := server.New(l, opts...)

	mws := []middleware.Middleware{middleware.Logging(logger)}
	if cfg.CallTimeout > 0 {
		mws = append(mws, middleware.Timeout(cfg.CallTimeout))
	}
	if cfg.RateLimit.RPS > 0 {
		mws = append(mws, middleware.RateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
	}
	srv.Use(mws...)

	if err := exposeDemo(srv.API(), logger); err != nil {
		return err
	}
	srv.OnConnection(func(transport.Socket) { logger.Debug("client connected") })
	srv.On("Runtime.consoleAPICalled", func(params json.RawMessage) {
		logger.Info("console", zap.ByteString("params", params))
	})

	if len(cfg.Etcd.Endpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(cfg.Etcd.Endpoints, logger)
		if err != nil {
			return err
		}
		defer reg.Close()
		ep := registry.Endpoint{Addr: cfg.AdvertiseAddr(), Transport: cfg.Transport, Weight: 1, Version: version}
		if err := srv.Announce(ctx, reg, ep, cfg.Etcd.TTL); err != nil {
			return err
		}
	}

	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{Registry: promReg}))
		runHTTP(ctx, eg, &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second})
	}

	eg.Go(func() error {
		return srv.Serve(ctx)
	})
	eg.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownTimeout)
	})

	logger.Info("serving", zap.String("listen", cfg.Listen), zap.String("transport", cfg.Transport), zap.Strings("methods", srv.Methods()))
	return eg.Wait()
}

// runHTTP runs hs in eg until ctx is done.
func runHTTP(ctx context.Context, eg *errgroup.Group, hs *http.Server) {
	eg.Go(func() error {
		if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return hs.Shutdown(shutdownCtx)
	})
}
