package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/tournament-signaling/config"
	"github.com/mossy-p/tournament-signaling/internal/mailbox"
	"github.com/mossy-p/tournament-signaling/internal/middleware"
)

// Register mounts the signaling service routes on router.
func Register(router *gin.Engine, cfg *config.Config, store mailbox.Store, feed *Feed) {
	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth := middleware.JWTAuth(cfg.JWTSecret)

	api := router.Group("/api")
	{
		// Login endpoint (public)
		api.POST("/auth/login", Login(cfg.JWTSecret))

		api.GET("/turn-config", auth, TURNConfig(cfg.TURNServers))

		signaling := api.Group("/tournaments/:tournamentId/signaling", auth)
		signaling.GET("/messages", GetMessages(store))
		signaling.POST("/messages", PostMessage(store, feed))

		records := api.Group("/webrtc", auth)
		records.PUT("/offer", PutOffer(store))
		records.PUT("/answer", PutAnswer(store))
		records.GET("/offer/:tournamentId/:userId", GetOffer(store))
		records.GET("/answer/:tournamentId/:userId", GetAnswer(store))
	}

	// WebSocket push feed; browsers pass the token as a query parameter
	router.GET("/ws/tournaments/:tournamentId/signaling", auth, HandleSignaling(store, feed))
}
