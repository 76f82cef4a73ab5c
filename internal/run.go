package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"scopegate/internal/config"
	"scopegate/internal/metrics"
	"scopegate/internal/proxy"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"go.uber.org/zap"
)

// Run starts the gateway and blocks until ctx is done or the listener fails.
func Run(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	handler, err := newHandler(&cfg, reg, log)
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		startMetricsServer(ctx, cfg.MetricsAddr, reg, log)
	} else {
		log.Info("metrics disabled (use --metrics to enable)")
	}

	server := http3.Server{
		Addr:       cfg.ListenAddr,
		Handler:    handler,
		TLSConfig:  config.DefaultTLSConfig(),
		QUICConfig: defaultQUICConfig(),
	}
	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()

	log.Info("HTTP/3 WS proxy listening",
		zap.String("addr", "udp "+cfg.ListenAddr),
		zap.String("path", cfg.PathPattern),
		zap.String("backend", cfg.Backend.String()),
		zap.Strings("internal_networks", cfg.InternalNetworks),
	)
	if err := server.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile); err != nil {
		if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("ListenAndServeTLS: %w", err)
	}
	return nil
}

// newHandler registers the gateway metrics into reg and builds the request
// router. cfg must already be validated.
func newHandler(cfg *config.Config, reg prometheus.Registerer, log *zap.Logger) (http.Handler, error) {
	scopes, err := metrics.Register(reg)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	p := &proxy.Proxy{
		Backend:    cfg.Backend,
		PathRegexp: cfg.PathRegexp,
		Limits:     cfg.Limits(),
		Scopes:     scopes,
		Classifier: proxy.NewClassifier(cfg.InternalNets),
		Log:        log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if strings.ToUpper(r.Method) == http.MethodConnect {
			p.HandleH3WebSocket(w, r)
			return
		}

		if r.URL.Path == "/" {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok\n"))
			return
		}

		http.NotFound(w, r)
	})
	return mux, nil
}

func newMetricsHandler(g prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return mux
}

func startMetricsServer(ctx context.Context, addr string, g prometheus.Gatherer, log *zap.Logger) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           newMetricsHandler(g),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	go func() {
		log.Info("metrics listening", zap.String("url", "http://"+addr+"/metrics"))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
}

func defaultQUICConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams: false,
		MaxIdleTimeout:  60 * time.Second,
		KeepAlivePeriod: 20 * time.Second,
	}
}
