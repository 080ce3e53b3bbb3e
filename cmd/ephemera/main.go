package main

import (
	"context"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"ephemera/cfg"
	"ephemera/pkg/kms"
	"ephemera/svc/api"
	"ephemera/svc/cache"
	"ephemera/svc/db"
	"ephemera/svc/events"
	"ephemera/svc/svc"
	"ephemera/svc/util"

	"github.com/joho/godotenv"
)

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	if len(os.Args) > 1 && os.Args[1] == "-health" {
		os.Exit(checkHealth())
	}

	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.IsDevelopment())
	util.Info().
		Str("environment", c.Environment).
		Str("store", c.StoreDriver).
		Bool("test_mode", c.TestMode).
		Msg("starting ephemera")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var kmsAdapter *kms.Adapter
	if c.SealContent || c.DatabaseSecret != "" {
		kmsAdapter, err = kms.NewAdapter(ctx)
		if err != nil {
			util.Fatal().Err(err).Msg("failed to initialize KMS adapter")
		}
		util.Info().Str("provider", kmsAdapter.Name()).Msg("KMS adapter initialized")
	}

	var dsn string
	if c.DatabaseSecret != "" {
		dsn, err = kmsAdapter.GetSecret(ctx, c.DatabaseSecret)
		if err != nil {
			util.Fatal().Err(err).Str("secret", c.DatabaseSecret).Msg("failed to resolve database secret")
		}
	}
	store, err := db.Open(c, dsn)
	if err != nil {
		util.Fatal().
			Err(err).
			Str("driver", c.StoreDriver).
			Str("target", db.Target(c, dsn)).
			Msg("failed to open store")
	}
	defer store.Close()
	util.Info().Str("driver", c.StoreDriver).Str("target", db.Target(c, dsn)).Msg("store initialized")

	var opts []svc.Option
	if c.SealContent {
		keyCache, err := cache.NewKeyLRU(c.KEKCacheSize, c.KEKCacheTTL)
		if err != nil {
			util.Fatal().Err(err).Msg("failed to create key cache")
		}
		defer keyCache.Purge()
		opts = append(opts, svc.WithSealer(kms.NewSealer(kmsAdapter, keyCache)))
		util.Info().Int("cache_size", c.KEKCacheSize).Dur("cache_ttl", c.KEKCacheTTL).Msg("content sealing enabled")
	}

	var bus events.Publisher = events.Nop{}
	if c.AMQPURL.Value() != "" {
		pub, err := events.DialRabbitMQ(c.AMQPURL.Value(), c.AMQPExchange)
		if err != nil {
			if c.Environment == "production" {
				util.Fatal().Err(err).Msg("CRITICAL: event broker configured but unreachable")
			}
			util.Warn().Err(err).Msg("event broker unavailable, events disabled")
		} else {
			bus = pub
			defer pub.Close()
			opts = append(opts, svc.WithPublisher(pub))
			util.Info().Str("exchange", c.AMQPExchange).Msg("event publisher connected")
		}
	}

	pasteSvc := svc.NewPaste(store, c, opts...)
	server := api.NewServer(c, pasteSvc, bus)

	var workers sync.WaitGroup
	if sq, ok := store.(*db.SQLite); ok && c.DatabasePath != ":memory:" {
		workers.Add(1)
		go func() {
			defer workers.Done()
			sq.MaintainWAL(ctx, 0)
		}()
		util.Info().Msg("WAL maintenance worker started")
	}
	if c.SweepInterval > 0 {
		if sw, ok := store.(db.Sweepable); ok {
			sweeper := svc.NewSweeper(sw, c.SweepInterval, c.SweepRetention)
			workers.Add(1)
			go func() {
				defer workers.Done()
				if err := sweeper.Run(ctx); err != nil {
					util.Error().Err(err).Msg("sweeper stopped")
				}
			}()
		} else {
			util.Info().Str("driver", c.StoreDriver).Msg("store expires records natively, sweeper not started")
		}
	}
	if c.PprofAddr != "" {
		go func() {
			util.Info().Str("addr", c.PprofAddr).Msg("starting pprof server")
			if err := http.ListenAndServe(c.PprofAddr, nil); err != nil {
				util.Warn().Err(err).Msg("pprof server failed")
			}
		}()
	}

	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("server failed")
		}
	}()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	pasteSvc.Shutdown()
	cancel()
	done := make(chan struct{})
	go func() {
		workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		util.Info().Msg("background workers stopped")
	case <-time.After(35 * time.Second):
		util.Warn().Msg("background workers did not stop gracefully")
	}
	util.Info().Msg("shutdown complete")
}

// checkHealth backs the container health check: it asks the running server's /api/healthz.
func checkHealth() int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://127.0.0.1:" + port + "/api/healthz")
	if err != nil {
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
