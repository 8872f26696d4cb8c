package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/tournament-signaling/internal/mailbox"
	"github.com/mossy-p/tournament-signaling/internal/middleware"
	"github.com/mossy-p/tournament-signaling/internal/models"
)

// PutOffer stores the caller's offer. Only the producer named in the
// record may write it, and the producer role is taken from the token.
func PutOffer(store mailbox.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, role, ok := middleware.Identity(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			return
		}

		var record models.SessionRecord
		if err := c.ShouldBindJSON(&record); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if record.Offer == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "offer is required"})
			return
		}
		if record.ProducerUserID != userID {
			c.JSON(http.StatusForbidden, gin.H{"error": "Only the producer can store an offer"})
			return
		}
		record.ProducerRole = role

		stored, err := store.PutOffer(c.Request.Context(), record)
		if err != nil {
			log.Printf("Failed to store offer from %s in %s: %v", userID, record.TournamentID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store offer"})
			return
		}
		c.JSON(http.StatusOK, stored)
	}
}

// PutAnswer attaches the caller's answer to a producer's offer. Only the
// consumer named in the record may write it.
func PutAnswer(store mailbox.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, role, ok := middleware.Identity(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			return
		}

		var record models.SessionRecord
		if err := c.ShouldBindJSON(&record); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if record.Answer == "" || record.ConsumerUserID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "answer and consumerUserId are required"})
			return
		}
		if record.ConsumerUserID != userID {
			c.JSON(http.StatusForbidden, gin.H{"error": "Only the consumer can store an answer"})
			return
		}
		record.ConsumerRole = role

		stored, err := store.PutAnswer(c.Request.Context(), record)
		if errors.Is(err, mailbox.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Offer not found"})
			return
		}
		if err != nil {
			log.Printf("Failed to store answer from %s in %s: %v", userID, record.TournamentID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store answer"})
			return
		}
		c.JSON(http.StatusOK, stored)
	}
}

// GetOffer returns the newest offer addressed to :userId.
func GetOffer(store mailbox.Store) gin.HandlerFunc {
	return getRecord(store.GetOffer)
}

// GetAnswer returns the newest answer to an offer made by :userId.
func GetAnswer(store mailbox.Store) gin.HandlerFunc {
	return getRecord(store.GetAnswer)
}

func getRecord(lookup func(ctx context.Context, tournamentID, userID string) (models.SessionRecord, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		callerID, _, ok := middleware.Identity(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			return
		}
		userID := c.Param("userId")
		if userID != callerID {
			c.JSON(http.StatusForbidden, gin.H{"error": "Records can only be read by their owner"})
			return
		}

		record, err := lookup(c.Request.Context(), c.Param("tournamentId"), userID)
		if errors.Is(err, mailbox.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Record not found"})
			return
		}
		if err != nil {
			log.Printf("Failed to read record for %s: %v", userID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read record"})
			return
		}
		c.JSON(http.StatusOK, record)
	}
}
