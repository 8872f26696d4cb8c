package handlers

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/tournament-signaling/internal/middleware"
	"github.com/mossy-p/tournament-signaling/internal/models"
)

// Login handles user login and JWT generation
// For demo purposes, accepts any username/password combination
func Login(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}

		role, err := models.ParseRole(string(req.Role))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		}

		// For demo: accept any username/password
		// In production, validate against a user database
		userID := req.Username

		tokenString, err := middleware.IssueToken(jwtSecret, userID, role)
		if err != nil {
			log.Printf("Failed to sign token for %s: %v", userID, err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate token",
			})
			return
		}

		c.JSON(http.StatusOK, models.LoginResponse{
			Token:  tokenString,
			UserID: userID,
			Role:   role,
		})
	}
}

// TURNConfig serves the configured TURN servers.
func TURNConfig(servers []models.ICEServerConfig) gin.HandlerFunc {
	response := models.TURNConfigResponse{TURNServers: servers}
	if response.TURNServers == nil {
		response.TURNServers = []models.ICEServerConfig{}
	}
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, response)
	}
}
