// Package mailbox stores signaling messages and offer/answer records for
// the signaling service.
package mailbox

import (
	"context"
	"errors"
	"sort"
	"strconv"

	"github.com/mossy-p/tournament-signaling/internal/models"
)

// MaxMessages is how many messages a single inbox keeps.
const MaxMessages = 500

var (
	// ErrNotFound is returned when no matching record exists.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidCursor is returned when a lastId is not a message id.
	ErrInvalidCursor = errors.New("invalid message cursor")
)

// Store is the signaling service's persistence.
//
// Message ids are decimal integers assigned by Append, increasing within
// a tournament. A message with an empty To is a broadcast and is visible to
// everyone but its sender.
type Store interface {
	// Append assigns msg an id (and a timestamp if it has none) and stores
	// it. The stored message is returned.
	Append(ctx context.Context, tournamentID string, msg models.SignalMessage) (models.SignalMessage, error)

	// After returns the messages visible to userID with an id greater than
	// lastID, oldest first. An empty lastID returns everything retained.
	After(ctx context.Context, tournamentID, userID, lastID string) ([]models.SignalMessage, error)

	// PutOffer stores a producer's offer, replacing any earlier offer and
	// answer between the same two users.
	PutOffer(ctx context.Context, record models.SessionRecord) (models.SessionRecord, error)

	// PutAnswer attaches a consumer's answer to the producer's offer,
	// either the one addressed to the consumer or an open one.
	PutAnswer(ctx context.Context, record models.SessionRecord) (models.SessionRecord, error)

	// GetOffer returns the newest offer addressed to userID or open to
	// anyone.
	GetOffer(ctx context.Context, tournamentID, userID string) (models.SessionRecord, error)

	// GetAnswer returns the newest answer to an offer made by userID.
	GetAnswer(ctx context.Context, tournamentID, userID string) (models.SessionRecord, error)
}

// ParseCursor converts a lastId to its numeric form. Empty means zero.
func ParseCursor(lastID string) (int64, error) {
	if lastID == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(lastID, 10, 64)
	if err != nil || n < 0 {
		return 0, ErrInvalidCursor
	}
	return n, nil
}

// Visible reports whether userID may read msg.
func Visible(msg models.SignalMessage, userID string) bool {
	if msg.IsBroadcast() {
		return msg.From != userID
	}
	return msg.To == userID
}

// SortByID orders messages by numeric id.
func SortByID(messages []models.SignalMessage) {
	sort.SliceStable(messages, func(i, j int) bool {
		a, _ := strconv.ParseInt(messages[i].ID, 10, 64)
		b, _ := strconv.ParseInt(messages[j].ID, 10, 64)
		return a < b
	})
}

// Newer returns the messages in messages with an id above cursor.
func Newer(messages []models.SignalMessage, cursor int64) []models.SignalMessage {
	out := make([]models.SignalMessage, 0, len(messages))
	for _, msg := range messages {
		id, err := strconv.ParseInt(msg.ID, 10, 64)
		if err != nil || id <= cursor {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// Latest returns the record with the newest UpdatedAt among those keep
// accepts.
func Latest(records []models.SessionRecord, keep func(models.SessionRecord) bool) (models.SessionRecord, error) {
	var (
		best  models.SessionRecord
		found bool
	)
	for _, record := range records {
		if !keep(record) {
			continue
		}
		if !found || record.UpdatedAt.After(best.UpdatedAt) {
			best = record
			found = true
		}
	}
	if !found {
		return models.SessionRecord{}, ErrNotFound
	}
	return best, nil
}
