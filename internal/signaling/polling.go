package signaling

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mossy-p/tournament-signaling/internal/models"
)

// Compile-time interface check.
var _ Transport = (*PollingClient)(nil)

// DefaultPollInterval is how often the client asks the mailbox for new
// messages when PollingOptions.Interval is zero.
const DefaultPollInterval = time.Second

// PollingOptions configures a PollingClient.
type PollingOptions struct {
	// Interval between polls. Zero means DefaultPollInterval.
	Interval time.Duration

	// MaxBackoff enables exponential backoff after failed polls: each
	// consecutive failure doubles the delay, capped at MaxBackoff. Zero
	// (or anything not above Interval) keeps the fixed interval.
	MaxBackoff time.Duration

	// Token is the bearer token issued by the signaling service login.
	Token string

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// PollingClient implements Transport by pulling the signaling mailbox at a
// fixed interval. Each poll asks for messages after the last id seen; ids
// already delivered are suppressed even if the server repeats them.
//
// Sending is a direct POST and does not depend on Connect.
type PollingClient struct {
	baseURL    string
	interval   time.Duration
	maxBackoff time.Duration
	token      string
	client     *http.Client
	logger     *slog.Logger

	mu            sync.Mutex
	handlers      []func(models.SignalMessage)
	lastMessageID string
	delivered     *idWindow
	running       bool
	cancel        context.CancelFunc
}

// NewPollingClient creates a client for the mailbox rooted at baseURL
// (for example "http://host/api/tournaments/t1/signaling").
func NewPollingClient(baseURL string, options PollingOptions) *PollingClient {
	interval := options.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	client := options.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &PollingClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		interval:   interval,
		maxBackoff: options.MaxBackoff,
		token:      options.Token,
		client:     client,
		logger:     logger,
		delivered:  newIDWindow(deliveredWindow),
	}
}

// SetToken replaces the bearer token used for subsequent requests.
func (c *PollingClient) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// LastMessageID returns the id the next poll will ask to start after.
func (c *PollingClient) LastMessageID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastMessageID
}

// Connect performs one poll synchronously so an unreachable endpoint is
// reported to the caller, then starts the background poll loop. Calling
// Connect on a running client is a no-op.
func (c *PollingClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	messages, err := c.fetch(ctx, "connect")
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		cancel()
		return nil
	}
	c.running = true
	c.cancel = cancel
	c.mu.Unlock()

	c.logger.Info("connected to signaling mailbox", "url", c.baseURL, "interval", c.interval)
	c.dispatch(messages)

	go c.pollLoop(loopCtx)
	return nil
}

// Disconnect stops the poll loop. Handlers do not run after it returns,
// except one that was already executing.
func (c *PollingClient) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	c.cancel()
	c.cancel = nil
}

// OnMessage registers a handler for inbound messages.
func (c *PollingClient) OnMessage(handler func(models.SignalMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// SendMessage posts one message to the mailbox.
func (c *PollingClient) SendMessage(ctx context.Context, msg models.SignalMessage) error {
	endpoint := c.baseURL + "/messages"
	err := doJSON(ctx, c.client, "send", http.MethodPost, endpoint, c.currentToken(), msg, nil,
		http.StatusOK, http.StatusCreated)
	if err != nil {
		c.logger.Error("sending signaling message failed",
			"type", msg.Type,
			"to", msg.To,
			"error", err,
		)
		return err
	}
	return nil
}

func (c *PollingClient) pollLoop(ctx context.Context) {
	failures := 0
	timer := time.NewTimer(c.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		messages, err := c.fetch(ctx, "poll")
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			failures++
			delay := c.delayAfter(failures)
			c.logger.Warn("polling signaling mailbox failed",
				"error", err,
				"failures", failures,
				"next_poll", delay,
			)
			timer.Reset(delay)
			continue
		}

		failures = 0
		c.dispatch(messages)
		timer.Reset(c.interval)
	}
}

// delayAfter returns the wait before the next poll after the given number
// of consecutive failures.
func (c *PollingClient) delayAfter(failures int) time.Duration {
	if c.maxBackoff <= c.interval {
		return c.interval
	}
	delay := c.interval
	for i := 0; i < failures && delay < c.maxBackoff; i++ {
		delay *= 2
	}
	if delay > c.maxBackoff {
		delay = c.maxBackoff
	}
	return delay
}

func (c *PollingClient) fetch(ctx context.Context, op string) ([]models.SignalMessage, error) {
	c.mu.Lock()
	lastID := c.lastMessageID
	token := c.token
	c.mu.Unlock()

	endpoint := c.baseURL + "/messages?lastId=" + url.QueryEscape(lastID)
	var messages []models.SignalMessage
	if err := doJSON(ctx, c.client, op, http.MethodGet, endpoint, token, nil, &messages, http.StatusOK); err != nil {
		return nil, err
	}
	return messages, nil
}

// dispatch hands every message not delivered before to the handlers, in
// order. lastMessageID advances past each message only once it has been
// delivered or recognised as a repeat, so a Disconnect part way through a
// batch leaves the rest for the next poll.
func (c *PollingClient) dispatch(messages []models.SignalMessage) {
	for _, msg := range messages {
		c.mu.Lock()
		if !c.running {
			c.mu.Unlock()
			return
		}
		if msg.ID != "" && !c.delivered.add(msg.ID) {
			c.lastMessageID = msg.ID
			c.mu.Unlock()
			continue
		}
		handlers := append([]func(models.SignalMessage){}, c.handlers...)
		c.mu.Unlock()

		for _, handler := range handlers {
			handler(msg)
		}

		if msg.ID != "" {
			c.mu.Lock()
			c.lastMessageID = msg.ID
			c.mu.Unlock()
		}
	}
}

func (c *PollingClient) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}
