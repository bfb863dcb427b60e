package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/andrwknv/steamwatch/internal/admin"
	"github.com/andrwknv/steamwatch/internal/bus"
	"github.com/andrwknv/steamwatch/internal/config"
	"github.com/andrwknv/steamwatch/internal/notify"
	"github.com/andrwknv/steamwatch/internal/processor"
	"github.com/andrwknv/steamwatch/internal/proxymgr"
	"github.com/andrwknv/steamwatch/internal/scheduler"
	"github.com/andrwknv/steamwatch/internal/store"
	"github.com/andrwknv/steamwatch/internal/worker"
)

func consumerName() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "monitord"
	}
	return hostname + "-" + strconv.Itoa(os.Getpid())
}

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Received shutdown signal")
		cancel()
	}()

	st, err := store.NewPostgres(ctx, cfg.DatabaseURL, cfg.StatementTimeout)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer st.Close()

	applied, err := st.Migrate(ctx)
	if err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	log.Printf("Connected to Postgres, %d migrations applied", applied)

	b, err := bus.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis at %s: %v", cfg.RedisAddr, err)
	}
	defer b.Close()
	// monitord owns the delayed-request mover; workers only publish there.
	b.Start(ctx)
	log.Printf("Connected to Redis at %s", cfg.RedisAddr)

	var notifier notify.Notifier = notify.Log{}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		notifier = notify.NewTelegram(cfg.TelegramBotToken, cfg.TelegramChatID)
		log.Println("Using Telegram notifier")
	} else {
		log.Println("TELEGRAM_BOT_TOKEN not set, notifications go to the log")
	}

	proxies := proxymgr.New(st, cfg.ProxyCoolOff)

	sched := scheduler.New(st, b, cfg.MinCheckInterval, scheduler.DefaultStopGrace)
	if err := sched.Start(ctx); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}
	defer sched.Stop()
	log.Printf("Scheduler running %d task loops", sched.LoopCount())

	proc := processor.New(st, b, notifier, consumerName())
	proc.Start(ctx)
	defer proc.Stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	liveness := worker.NewLiveness(rdb)

	api := admin.NewAPI(st, sched, proxies, b, liveness, cfg.MinCheckInterval)
	go api.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/api/", api.Handler(cfg.AdminToken))

	server := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		log.Printf("monitord listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("HTTP server failed: %v", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Println("monitord shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
}
