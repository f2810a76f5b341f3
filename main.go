package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"chatrelay/internal/api"
	"chatrelay/internal/attach"
	"chatrelay/internal/auth"
	"chatrelay/internal/config"
	"chatrelay/internal/guest"
	"chatrelay/internal/history"
	"chatrelay/internal/prompt"
	"chatrelay/internal/quota"
	"chatrelay/internal/redis"
	"chatrelay/internal/service/ai"
	"chatrelay/internal/service/assistant"
	"chatrelay/internal/storage"
	"chatrelay/internal/worker"
)

func main() {
	cfgPath := os.Getenv("CHATRELAY_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("CHATRELAY_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	// Redis is degraded-optional: without it quota counters fall back to the
	// in-process store and the history cache turns itself off.
	var counters quota.CounterStore
	rdb, err := redis.NewRedisClient(cfg)
	if err != nil {
		log.Printf("redis unavailable, using in-process quota counters: %v", err)
		rdb = nil
		counters = quota.NewMemoryCounterStore()
	} else {
		defer rdb.Close()
		counters = quota.NewRedisCounterStore(rdb)
	}

	guestService := guest.NewService(db, cfg.Quota.GuestDailyLimit)
	cleanCtx, cleanCancel := context.WithCancel(context.Background())
	defer cleanCancel()
	guestService.StartCleaner(cleanCtx, time.Hour)

	assistantService := assistant.NewService(db)
	authService := auth.NewService(db, rdb, 24*time.Hour)
	ledger := quota.NewLedger(counters, guestService, cfg.Quota)

	historyCache := history.NewCache(rdb)
	historyCache.StartListener(func(msg history.InvalidateMessage) {
		historyCache.Invalidate(context.Background(), msg.SessionID)
	})

	assembler := prompt.NewAssembler(assistantService, historyCache, attach.NewExtractor())
	invoker := ai.NewService(cfg)
	dispatcher := worker.NewDispatcher(
		cfg.BasicConfig.MinWorkers,
		cfg.BasicConfig.MaxWorkers,
		cfg.BasicConfig.QueueSize,
		time.Duration(cfg.BasicConfig.WorkerIdleTimeout)*time.Minute,
	)

	orchestrator := api.NewOrchestrator(
		cfg,
		ledger,
		attach.NewProcessor(),
		assembler,
		invoker,
		assistantService,
		historyCache,
		dispatcher,
	)
	handlers := api.NewHandler(orchestrator, assistantService, authService, guestService, ledger)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}
	if err := router.Run(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
