package main

import (
	"log"
	"os"
	"time"

	"finassist/internal/api"
	"finassist/internal/auth"
	"finassist/internal/config"
	"finassist/internal/redis"
	"finassist/internal/service/ai"
	"finassist/internal/service/assistant"
	"finassist/internal/storage"
	"finassist/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {
	cfgPath := os.Getenv("FINASSIST_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("FINASSIST_DB")
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

	rdb, err := redis.NewClient(cfg)
	if err != nil {
		log.Printf("redis unavailable, token cache disabled: %v", err)
		rdb = nil
	} else {
		defer rdb.Close()
	}

	assistantService := assistant.NewService(db)

	provider := cfg.BasicConfig.DefaultProvider
	if provider == "" {
		provider = "openai"
	}
	engine, err := ai.NewService(cfg, provider, assistantService)
	if err != nil {
		log.Fatalf("init chat engine: %v", err)
	}

	workers := worker.NewManager(assistantService, engine, engine)

	tokenTTL := time.Duration(cfg.BasicConfig.TokenTTLHours) * time.Hour
	authService := auth.NewService(db, rdb, tokenTTL)

	handlers := api.NewHandler(assistantService, authService, workers)

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
