package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/andrwknv/steamwatch/internal/bus"
	"github.com/andrwknv/steamwatch/internal/config"
	"github.com/andrwknv/steamwatch/internal/proxymgr"
	"github.com/andrwknv/steamwatch/internal/store"
	"github.com/andrwknv/steamwatch/internal/worker"
)

func main() {
	cfg := config.Load()
	log.Printf("workerd starting. Worker ID: %s", cfg.WorkerID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Received shutdown signal")
		cancel()
	}()

	// Migrations are monitord's job; workers expect the schema in place.
	st, err := store.NewPostgres(ctx, cfg.DatabaseURL, cfg.StatementTimeout)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer st.Close()

	b, err := bus.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis at %s: %v", cfg.RedisAddr, err)
	}
	defer b.Close()
	log.Printf("Connected to Redis at %s", cfg.RedisAddr)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	proxies := proxymgr.New(st, cfg.ProxyCoolOff)
	// Several workerd processes may lease at once; keep the LRU rotation
	// strict across all of them.
	proxies.UseLocker(proxymgr.NewRedisLock(rdb, cfg.WorkerID))
	fetcher := &worker.HTTPFetcher{Timeout: cfg.FetchTimeout}

	w := worker.New(cfg.WorkerID, b, proxies, fetcher, cfg.MaxConcurrentChecks, cfg.FetchTimeout)
	w.Start(ctx)
	defer w.Stop()

	hb := worker.NewHeartbeat(rdb, cfg.WorkerID)
	hb.Start(ctx)
	defer hb.Stop()

	metricsAddr := os.Getenv("METRICS_ADDR")
	if metricsAddr == "" {
		metricsAddr = ":9090"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		log.Printf("workerd metrics listening on %s", metricsAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Metrics server failed: %v", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Println("workerd shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Metrics shutdown: %v", err)
	}
}
