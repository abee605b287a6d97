package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/arcflow-io/kprod/pkg/kprod"
)

// kprod-demo is the thin outer shell named in SPEC_FULL.md: it loads
// bootstrap configuration, wires pkg/kprod's Opt constructors, serves a
// status/metrics endpoint, and sends one demo record per tick. None of
// the producer core's logic lives here.
func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "kprod-demo: config:", err)
		os.Exit(1)
	}

	zapLevel := zap.InfoLevel
	if err := zapLevel.Set(cfg.Logging.Level); err != nil {
		zapLevel = zap.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zl, err := zcfg.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, "kprod-demo: logger:", err)
		os.Exit(1)
	}
	defer zl.Sync()

	logger := kprod.NewZapLogger(logLevelFor(cfg.Logging.Level), zl)

	reg := prometheus.NewRegistry()

	opts := []kprod.Opt{
		kprod.WithLogger(logger),
		kprod.WithMetricsRegisterer(reg),
		kprod.Linger(time.Duration(cfg.LingerMs) * time.Millisecond),
		kprod.MaxBatchSize(cfg.MaxBatchSize),
		kprod.WithCompression(compressionFor(cfg.CompressionType)),
		kprod.RequireAcks(acksFor(cfg.Acks)),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kprod.ClientID(cfg.ClientID))
	}
	if cfg.EnableIdempotence {
		opts = append(opts, kprod.EnableIdempotence())
	}
	if cfg.TransactionalID != "" {
		opts = append(opts, kprod.TransactionalID(cfg.TransactionalID))
	}

	node := newTCPNodeClient(cfg.ClientID, cfg.SeedBrokers)
	defer node.close()

	client, err := kprod.NewClient(node, opts...)
	if err != nil {
		fmt.Fprintln(os.Stderr, "kprod-demo: invalid configuration:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.Start(ctx, kprod.BrokerVersion{Major: 2, Minor: 8, Patch: 0}); err != nil {
		logger.Log(kprod.LogLevelError, "start failed", "err", err)
		os.Exit(1)
	}

	if cfg.Metrics.Enabled {
		go serveStatus(cfg, reg, client)
	}

	produceLoop(ctx, client, cfg.Topic, logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Stop(shutdownCtx); err != nil {
		logger.Log(kprod.LogLevelWarn, "stop returned error", "err", err)
	}
}

func produceLoop(ctx context.Context, client *kprod.Client, topic string, logger kprod.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var n int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n++
			rec := &kprod.Record{
				Topic: topic,
				Key:   []byte(fmt.Sprintf("key-%d", n)),
				Value: []byte(fmt.Sprintf("kprod-demo tick %d at %s", n, time.Now().Format(time.RFC3339))),
			}
			handle, err := client.Send(ctx, rec)
			if err != nil {
				logger.Log(kprod.LogLevelWarn, "send failed", "err", err)
				continue
			}
			go func() {
				meta, err := handle.Wait(ctx)
				if err != nil {
					logger.Log(kprod.LogLevelWarn, "record failed", "err", err)
					return
				}
				logger.Log(kprod.LogLevelDebug, "record delivered", "topic", meta.Topic, "partition", meta.Partition, "offset", meta.Offset())
			}()
		}
	}
}

// serveStatus grounds the demo's HTTP surface on zinohome-Takhin's
// chi-router + promhttp wiring: a liveness probe and the Prometheus
// scrape endpoint, nothing more.
func serveStatus(cfg *demoConfig, reg *prometheus.Registry, client *kprod.Client) {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	r.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	addr := fmt.Sprintf("%s:%d", cfg.Metrics.Host, cfg.Metrics.Port)
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	_ = srv.ListenAndServe()
}

func acksFor(s string) kprod.Acks {
	switch s {
	case "0":
		return kprod.AcksNone
	case "1":
		return kprod.AcksLeader
	case "-1", "all":
		return kprod.AcksAll
	default:
		return kprod.AcksUnset
	}
}

func compressionFor(s string) kprod.Compression {
	switch s {
	case "gzip":
		return kprod.CompressionGzip
	case "snappy":
		return kprod.CompressionSnappy
	case "lz4":
		return kprod.CompressionLZ4
	default:
		return kprod.CompressionNone
	}
}

func logLevelFor(s string) kprod.LogLevel {
	switch s {
	case "debug":
		return kprod.LogLevelDebug
	case "warn":
		return kprod.LogLevelWarn
	case "error":
		return kprod.LogLevelError
	default:
		return kprod.LogLevelInfo
	}
}
