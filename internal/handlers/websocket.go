package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mossy-p/tournament-signaling/internal/mailbox"
	"github.com/mossy-p/tournament-signaling/internal/middleware"
	"github.com/mossy-p/tournament-signaling/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Feed tracks the push connections of every tournament and fans stored
// messages out to the clients allowed to read them.
type Feed struct {
	mu          sync.RWMutex
	tournaments map[string]map[string]*Client
}

// Client represents a WebSocket client connection
type Client struct {
	ID           string
	UserID       string
	Role         models.Role
	TournamentID string
	Conn         *websocket.Conn
	Send         chan []byte
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{tournaments: make(map[string]map[string]*Client)}
}

// Publish pushes msg to every connected client of its tournament that may
// read it. Slow clients whose buffer is full miss the frame and recover it
// by polling.
func (f *Feed) Publish(msg models.SignalMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to marshal message: %v", err)
		return
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, client := range f.tournaments[msg.TournamentID] {
		if !mailbox.Visible(msg, client.UserID) {
			continue
		}
		select {
		case client.Send <- data:
		default:
			log.Printf("Failed to send message %s to %s, buffer full", msg.ID, client.UserID)
		}
	}
}

// Connected returns how many clients are connected to a tournament.
func (f *Feed) Connected(tournamentID string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.tournaments[tournamentID])
}

func (f *Feed) add(client *Client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	clients, ok := f.tournaments[client.TournamentID]
	if !ok {
		clients = make(map[string]*Client)
		f.tournaments[client.TournamentID] = clients
	}
	clients[client.ID] = client
}

// remove drops client and closes its send channel. Publish holds the read
// lock while sending, so no send can race the close.
func (f *Feed) remove(client *Client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	clients := f.tournaments[client.TournamentID]
	if _, ok := clients[client.ID]; !ok {
		return
	}
	delete(clients, client.ID)
	close(client.Send)
	if len(clients) == 0 {
		delete(f.tournaments, client.TournamentID)
	}
}

// HandleSignaling upgrades to the push feed of a tournament mailbox. Messages
// after the lastId query parameter are replayed first. Frames written by
// the client are stored as if they had been posted.
func HandleSignaling(store mailbox.Store, feed *Feed) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, role, ok := middleware.Identity(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			return
		}
		tournamentID := c.Param("tournamentId")
		lastID := c.Query("lastId")
		if _, err := mailbox.ParseCursor(lastID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		// Upgrade HTTP connection to WebSocket
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Printf("Failed to upgrade connection: %v", err)
			return
		}

		client := &Client{
			ID:           uuid.New().String(),
			UserID:       userID,
			Role:         role,
			TournamentID: tournamentID,
			Conn:         conn,
			Send:         make(chan []byte, sendBuffer),
		}

		// Register before replaying so nothing stored in between is missed.
		// Duplicates are possible and clients drop them by id.
		feed.add(client)
		log.Printf("User %s (%s) connected to tournament %s feed", userID, role, tournamentID)

		backlog, err := store.After(c.Request.Context(), tournamentID, userID, lastID)
		if err != nil {
			log.Printf("Failed to replay messages for %s: %v", userID, err)
		}
		for _, msg := range backlog {
			client.sendMessage(msg)
		}

		go client.writePump()
		go client.readPump(store, feed)
	}
}

func (c *Client) readPump(store mailbox.Store, feed *Feed) {
	defer func() {
		feed.remove(c)
		c.Conn.Close()
		log.Printf("User %s left tournament %s feed", c.UserID, c.TournamentID)
	}()

	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}

		var msg models.SignalMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			log.Printf("Failed to parse message: %v", err)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		_, err = deliver(ctx, store, feed, c.TournamentID, c.UserID, c.Role, msg)
		cancel()
		switch {
		case errors.Is(err, errInvalidType):
			log.Printf("Unknown message type from %s: %s", c.UserID, msg.Type)
		case err != nil:
			log.Printf("Failed to store message from %s: %v", c.UserID, err)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("Failed to write message: %v", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) sendMessage(msg models.SignalMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to marshal message: %v", err)
		return
	}

	select {
	case c.Send <- data:
	default:
		log.Printf("Failed to send message to %s, buffer full", c.UserID)
	}
}
