package handlers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/tournament-signaling/internal/mailbox"
	"github.com/mossy-p/tournament-signaling/internal/middleware"
	"github.com/mossy-p/tournament-signaling/internal/models"
)

// errInvalidType rejects messages whose type the mailbox does not carry.
var errInvalidType = errors.New("invalid message type")

// GetMessages returns the caller's messages newer than the lastId query
// parameter, oldest first.
func GetMessages(store mailbox.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, _, ok := middleware.Identity(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			return
		}
		tournamentID := c.Param("tournamentId")

		messages, err := store.After(c.Request.Context(), tournamentID, userID, c.Query("lastId"))
		if errors.Is(err, mailbox.ErrInvalidCursor) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			log.Printf("Failed to read messages for %s in %s: %v", userID, tournamentID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read messages"})
			return
		}
		if messages == nil {
			messages = []models.SignalMessage{}
		}
		c.JSON(http.StatusOK, messages)
	}
}

// PostMessage appends a message to the tournament mailbox and pushes it to
// connected feed clients.
func PostMessage(store mailbox.Store, feed *Feed) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, role, ok := middleware.Identity(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			return
		}

		var msg models.SignalMessage
		if err := c.ShouldBindJSON(&msg); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		stored, err := deliver(c.Request.Context(), store, feed, c.Param("tournamentId"), userID, role, msg)
		if errors.Is(err, errInvalidType) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			log.Printf("Failed to append message from %s: %v", userID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store message"})
			return
		}
		c.JSON(http.StatusCreated, stored)
	}
}

// deliver stamps the sender's identity onto msg, stores it, and publishes
// the stored copy. The client-supplied id is discarded.
func deliver(ctx context.Context, store mailbox.Store, feed *Feed, tournamentID, userID string, role models.Role, msg models.SignalMessage) (models.SignalMessage, error) {
	if !msg.Type.Valid() {
		return models.SignalMessage{}, fmt.Errorf("%w: %q", errInvalidType, msg.Type)
	}
	msg.ID = ""
	msg.From = userID
	msg.Role = role
	msg.TournamentID = tournamentID

	stored, err := store.Append(ctx, tournamentID, msg)
	if err != nil {
		return models.SignalMessage{}, err
	}
	if feed != nil {
		feed.Publish(stored)
	}
	return stored, nil
}
