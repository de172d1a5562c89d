package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"tiercore.io/internal/cache"
	"tiercore.io/internal/config"
	"tiercore.io/internal/httpapi"
	"tiercore.io/internal/loyalty"
	"tiercore.io/internal/obs"
	"tiercore.io/internal/store/pg"
	"tiercore.io/internal/stream"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", os.Getenv("TIERCORE_CONFIG"), "Path to YAML config")
	flag.Parse()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	var (
		store   loyalty.Store
		pgStore *pg.Store
	)
	if cfg.Database.DSN != "" {
		pgStore, err = pg.Open(cfg.Database.DSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		store = pgStore
	} else {
		log.Print("no database DSN configured, using the in-memory store")
		store = loyalty.NewMemStore()
	}

	resolver := loyalty.NewResolver(store,
		loyalty.WithPriorities(cfg.PrioritiesFor("")),
		loyalty.WithTenantPriorities(cfg.TenantPriorityTables()),
	)
	promotions := loyalty.NewPromotionManager(store, resolver)
	engine := httpapi.Engine{
		Resolver:    resolver,
		Evaluator:   loyalty.NewEvaluator(store, resolver),
		Promotions:  promotions,
		Expirations: loyalty.NewExpirationProcessor(store, resolver, promotions),
		Bulk:        loyalty.NewBulkOrchestrator(resolver, loyalty.WithBulkWorkers(cfg.Engine.BulkWorkers)),
	}

	events := stream.New()
	opts := []httpapi.Option{
		httpapi.WithStream(events),
		httpapi.WithDispatcher(&loyalty.Dispatcher{}),
		httpapi.WithAuth(os.Getenv("TIERCORE_AUTH_SECRET") != ""),
	}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ttl := time.Duration(cfg.Redis.TTLSec) * time.Second
		opts = append(opts, httpapi.WithTierLister(cache.NewTierCatalog(rdb, store, ttl)))
	}

	probe := httpapi.ReadyProbe{}
	if pgStore != nil {
		probe.DB = pgStore.DB()
	}
	api := httpapi.New(store, engine, probe, version, opts...)

	var handler http.Handler = api.Handler()
	handler = httpapi.MaxBodyBytes(handler, cfg.Server.MaxBodyBytes)
	if cfg.Server.RateLimitRPS > 0 {
		handler = httpapi.RateLimit(handler, cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
	}
	handler = httpapi.LoggingJSON(handler)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting tiercore-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if pgStore != nil {
		_ = pgStore.Close()
	}
	log.Println("Stopped")
}
