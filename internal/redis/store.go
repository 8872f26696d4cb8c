package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/tournament-signaling/config"
	"github.com/mossy-p/tournament-signaling/internal/mailbox"
	"github.com/mossy-p/tournament-signaling/internal/models"
)

// Compile-time interface check.
var _ mailbox.Store = (*Store)(nil)

// DefaultTTL is how long mailbox lists and records live after their last
// write.
const DefaultTTL = 24 * time.Hour

// Store is a mailbox.Store backed by Redis.
//
// Keys, per tournament t:
//
//	signaling:{t}:seq               last message id
//	signaling:{t}:inbox:{user}      messages addressed to user
//	signaling:{t}:broadcast         messages addressed to anyone
//	webrtc:{t}:record:{p}:{c}       offer/answer record, JSON
//	webrtc:{t}:consumer:{c}         record keys by consumer ("" = open)
//	webrtc:{t}:producer:{p}         record keys by producer
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// Connect initializes the Redis client and checks the connection.
func Connect(ctx context.Context, cfg config.RedisConfig, ttl time.Duration) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewStore(client, ttl), nil
}

// NewStore wraps an existing client. A non-positive ttl means DefaultTTL.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, ttl: ttl}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

func seqKey(tournamentID string) string {
	return "signaling:" + tournamentID + ":seq"
}

func inboxKey(tournamentID, userID string) string {
	if userID == "" {
		return "signaling:" + tournamentID + ":broadcast"
	}
	return "signaling:" + tournamentID + ":inbox:" + userID
}

func recordKey(tournamentID, producer, consumer string) string {
	return "webrtc:" + tournamentID + ":record:" + producer + ":" + consumer
}

func consumerIndex(tournamentID, consumer string) string {
	return "webrtc:" + tournamentID + ":consumer:" + consumer
}

func producerIndex(tournamentID, producer string) string {
	return "webrtc:" + tournamentID + ":producer:" + producer
}

// appendRetries bounds how often Append retries after another writer
// allocated an id first.
const appendRetries = 100

// Append allocates the next id and stores msg in one transaction watched on
// the sequence key, so an id never becomes visible before a smaller one.
func (s *Store) Append(ctx context.Context, tournamentID string, msg models.SignalMessage) (models.SignalMessage, error) {
	msg.TournamentID = tournamentID
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	seq := seqKey(tournamentID)
	key := inboxKey(tournamentID, msg.To)

	var stored models.SignalMessage
	appendOnce := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, seq).Int64()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("reading message id: %w", err)
		}
		next := msg
		next.ID = strconv.FormatInt(current+1, 10)
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encoding message: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, seq, current+1, s.ttl)
			pipe.RPush(ctx, key, data)
			pipe.LTrim(ctx, key, -mailbox.MaxMessages, -1)
			pipe.Expire(ctx, key, s.ttl)
			return nil
		})
		if err == nil {
			stored = next
		}
		return err
	}

	for attempt := 0; attempt < appendRetries; attempt++ {
		err := s.client.Watch(ctx, appendOnce, seq)
		switch {
		case err == nil:
			return stored, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			return models.SignalMessage{}, fmt.Errorf("storing message: %w", err)
		}
	}
	return models.SignalMessage{}, fmt.Errorf("storing message: gave up after %d conflicting writers", appendRetries)
}

func (s *Store) After(ctx context.Context, tournamentID, userID, lastID string) ([]models.SignalMessage, error) {
	cursor, err := mailbox.ParseCursor(lastID)
	if err != nil {
		return nil, err
	}

	// Both lists are read in one transaction so an append cannot land in
	// one of them between the two reads.
	keys := []string{inboxKey(tournamentID, userID), inboxKey(tournamentID, "")}
	reads := make([]*redis.StringSliceCmd, len(keys))
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			reads[i] = pipe.LRange(ctx, key, 0, -1)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading mailbox: %w", err)
	}

	var messages []models.SignalMessage
	for i, read := range reads {
		for _, entry := range read.Val() {
			var msg models.SignalMessage
			if err := json.Unmarshal([]byte(entry), &msg); err != nil {
				log.Printf("Skipping corrupt message in %s: %v", keys[i], err)
				continue
			}
			if mailbox.Visible(msg, userID) {
				messages = append(messages, msg)
			}
		}
	}

	mailbox.SortByID(messages)
	return mailbox.Newer(messages, cursor), nil
}

func (s *Store) PutOffer(ctx context.Context, record models.SessionRecord) (models.SessionRecord, error) {
	key := recordKey(record.TournamentID, record.ProducerUserID, record.ConsumerUserID)
	now := time.Now().UTC()
	stored := models.SessionRecord{
		TournamentID:   record.TournamentID,
		ProducerUserID: record.ProducerUserID,
		ConsumerUserID: record.ConsumerUserID,
		ProducerRole:   record.ProducerRole,
		Offer:          record.Offer,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	existing, err := s.getRecord(ctx, key)
	switch {
	case err == nil:
		stored.CreatedAt = existing.CreatedAt
	case !errors.Is(err, mailbox.ErrNotFound):
		return models.SessionRecord{}, err
	}

	if err := s.putRecord(ctx, key, stored); err != nil {
		return models.SessionRecord{}, err
	}
	return stored, nil
}

func (s *Store) PutAnswer(ctx context.Context, record models.SessionRecord) (models.SessionRecord, error) {
	key := recordKey(record.TournamentID, record.ProducerUserID, record.ConsumerUserID)

	stored, err := s.getRecord(ctx, key)
	if errors.Is(err, mailbox.ErrNotFound) {
		stored, err = s.getRecord(ctx, recordKey(record.TournamentID, record.ProducerUserID, ""))
		stored.ConsumerUserID = record.ConsumerUserID
	}
	if err != nil {
		return models.SessionRecord{}, err
	}

	stored.Answer = record.Answer
	stored.ConsumerRole = record.ConsumerRole
	stored.UpdatedAt = time.Now().UTC()
	if err := s.putRecord(ctx, key, stored); err != nil {
		return models.SessionRecord{}, err
	}
	return stored, nil
}

func (s *Store) GetOffer(ctx context.Context, tournamentID, userID string) (models.SessionRecord, error) {
	records, err := s.indexed(ctx, consumerIndex(tournamentID, userID), consumerIndex(tournamentID, ""))
	if err != nil {
		return models.SessionRecord{}, err
	}
	return mailbox.Latest(records, func(r models.SessionRecord) bool {
		return r.Offer != "" && (r.ConsumerUserID == userID || r.ConsumerUserID == "")
	})
}

func (s *Store) GetAnswer(ctx context.Context, tournamentID, userID string) (models.SessionRecord, error) {
	records, err := s.indexed(ctx, producerIndex(tournamentID, userID))
	if err != nil {
		return models.SessionRecord{}, err
	}
	return mailbox.Latest(records, func(r models.SessionRecord) bool {
		return r.Answer != "" && r.ProducerUserID == userID
	})
}

func (s *Store) getRecord(ctx context.Context, key string) (models.SessionRecord, error) {
	data, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return models.SessionRecord{}, mailbox.ErrNotFound
	}
	if err != nil {
		return models.SessionRecord{}, fmt.Errorf("reading %s: %w", key, err)
	}
	var record models.SessionRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return models.SessionRecord{}, fmt.Errorf("decoding %s: %w", key, err)
	}
	return record, nil
}

func (s *Store) putRecord(ctx context.Context, key string, record models.SessionRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}

	consumer := consumerIndex(record.TournamentID, record.ConsumerUserID)
	producer := producerIndex(record.TournamentID, record.ProducerUserID)

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, data, s.ttl)
	pipe.SAdd(ctx, consumer, key)
	pipe.Expire(ctx, consumer, s.ttl)
	pipe.SAdd(ctx, producer, key)
	pipe.Expire(ctx, producer, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("storing %s: %w", key, err)
	}
	return nil
}

// indexed loads every record listed in the given index sets. Keys that
// have expired since they were indexed are skipped.
func (s *Store) indexed(ctx context.Context, indexes ...string) ([]models.SessionRecord, error) {
	seen := make(map[string]bool)
	var keys []string
	for _, index := range indexes {
		members, err := s.client.SMembers(ctx, index).Result()
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", index, err)
		}
		for _, member := range members {
			if !seen[member] {
				seen[member] = true
				keys = append(keys, member)
			}
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("loading records: %w", err)
	}
	records := make([]models.SessionRecord, 0, len(values))
	for i, value := range values {
		data, ok := value.(string)
		if !ok {
			continue
		}
		var record models.SessionRecord
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			log.Printf("Skipping corrupt record %s: %v", keys[i], err)
			continue
		}
		records = append(records, record)
	}
	return records, nil
}
