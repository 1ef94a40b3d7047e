// tickdeck-server hosts the shared market-data cache and the HTTP API.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tickdeck/internal/alert"
	"tickdeck/internal/cache"
	"tickdeck/internal/config"
	"tickdeck/internal/freshness"
	"tickdeck/internal/gateway"
	"tickdeck/internal/httpapi"
	"tickdeck/internal/store"
	"tickdeck/internal/util"
)

func main() {
	cfgPath := "config/tickdeck.yaml"
	if p := os.Getenv("TICKDECK_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Fatalf("loading config: %v", err)
		}
		cfg = config.Default()
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var shared cache.Shared
	if cfg.Redis.Enabled {
		var rc *cache.Redis
		err := util.Retry(ctx, 3, time.Second, func() error {
			var rerr error
			rc, rerr = cache.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
			return rerr
		})
		if err != nil {
			log.Fatalf("connecting to redis: %v", err)
		}
		defer rc.Close()
		shared = rc
		logger.Info("shared cache backend", "kind", "redis", "addr", cfg.Redis.Addr)
	} else {
		shared = cache.NewMemory()
		logger.Info("shared cache backend", "kind", "memory")
	}

	var provider gateway.Provider
	switch cfg.Upstream.Provider {
	case "alpaca":
		provider = gateway.NewAlpacaProvider(cfg.Alpaca)
	case "coingecko":
		provider = gateway.NewCoinGeckoProvider(cfg.Upstream, cfg.Symbols)
	default:
		log.Fatalf("unknown upstream provider %q", cfg.Upstream.Provider)
	}
	logger.Info("upstream provider", "kind", cfg.Upstream.Provider)

	var archive store.CandleArchive
	if cfg.Archive.Enabled {
		archive = store.NewParquetArchive(cfg.Storage.DataDir)
		logger.Info("candle archive enabled", "dir", cfg.Storage.DataDir)
	}

	gw := gateway.New(shared, provider, gateway.Config{
		Symbols:    cfg.SymbolNames(),
		PricesTTL:  freshness.TTL{Fresh: cfg.Cache.Prices.Fresh(), Stale: cfg.Cache.Prices.Stale()},
		CandlesTTL: freshness.TTL{Fresh: cfg.Cache.Candles.Fresh(), Stale: cfg.Cache.Candles.Stale()},
	}, archive, logger.With("component", "gateway"))

	kv, err := store.OpenSQLiteKV(cfg.Storage.SQLitePath)
	if err != nil {
		logger.Warn("opening sqlite, alerts will not persist", "error", err)
	}
	var alertKV store.KV = store.NewMemoryKV()
	if kv != nil {
		defer kv.Close()
		alertKV = kv
	}
	alerts := alert.NewStore(alertKV, logger.With("component", "alerts"))
	evaluator := alert.NewEvaluator(alerts, alert.LogNotifier{Log: logger}, logger)

	api := httpapi.NewServer(gw, alerts, evaluator, cfg.SymbolNames(), logger.With("component", "api"))
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: api.Handler(),
	}

	go func() {
		logger.Info("tickdeck server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}
