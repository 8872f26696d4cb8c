package main

import (
	"context"
	"log"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/tournament-signaling/config"
	"github.com/mossy-p/tournament-signaling/internal/handlers"
	"github.com/mossy-p/tournament-signaling/internal/mailbox"
	"github.com/mossy-p/tournament-signaling/internal/redis"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	var store mailbox.Store
	switch cfg.Store {
	case config.StoreMemory:
		store = mailbox.NewMemoryStore()
		log.Println("Using in-memory mailbox; messages are lost on restart")
	default:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		redisStore, err := redis.Connect(ctx, cfg.Redis, cfg.MessageTTL)
		cancel()
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisStore.Close()
		store = redisStore
		log.Println("Redis connection established")
	}

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handlers.Register(router, cfg, store, handlers.NewFeed())

	// Start server
	log.Printf("Starting tournament signaling server on port %s (%d TURN servers)", cfg.Port, len(cfg.TURNServers))
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
