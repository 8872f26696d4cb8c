package mailbox

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/mossy-p/tournament-signaling/internal/models"
)

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

type recordKey struct {
	tournamentID string
	producer     string
	consumer     string
}

// MemoryStore keeps everything in process memory. It is meant for tests
// and single-instance development; nothing expires.
type MemoryStore struct {
	mu       sync.Mutex
	sequence map[string]int64
	messages map[string][]models.SignalMessage
	records  map[recordKey]models.SessionRecord
	now      func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sequence: make(map[string]int64),
		messages: make(map[string][]models.SignalMessage),
		records:  make(map[recordKey]models.SessionRecord),
		now:      time.Now,
	}
}

func (s *MemoryStore) Append(_ context.Context, tournamentID string, msg models.SignalMessage) (models.SignalMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sequence[tournamentID]++
	msg.ID = strconv.FormatInt(s.sequence[tournamentID], 10)
	msg.TournamentID = tournamentID
	if msg.Timestamp == 0 {
		msg.Timestamp = s.now().UnixMilli()
	}

	messages := append(s.messages[tournamentID], msg)
	s.messages[tournamentID] = messages
	s.trim(tournamentID, msg)
	return msg, nil
}

// trim drops the oldest message of msg's inbox once it holds more than
// MaxMessages.
func (s *MemoryStore) trim(tournamentID string, msg models.SignalMessage) {
	messages := s.messages[tournamentID]
	count := 0
	for _, m := range messages {
		if m.To == msg.To {
			count++
		}
	}
	if count <= MaxMessages {
		return
	}
	for i, m := range messages {
		if m.To == msg.To {
			s.messages[tournamentID] = append(messages[:i:i], messages[i+1:]...)
			return
		}
	}
}

func (s *MemoryStore) After(_ context.Context, tournamentID, userID, lastID string) ([]models.SignalMessage, error) {
	cursor, err := ParseCursor(lastID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var visible []models.SignalMessage
	for _, msg := range s.messages[tournamentID] {
		if Visible(msg, userID) {
			visible = append(visible, msg)
		}
	}
	return Newer(visible, cursor), nil
}

func (s *MemoryStore) PutOffer(_ context.Context, record models.SessionRecord) (models.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey{record.TournamentID, record.ProducerUserID, record.ConsumerUserID}
	now := s.now()
	stored := models.SessionRecord{
		TournamentID:   record.TournamentID,
		ProducerUserID: record.ProducerUserID,
		ConsumerUserID: record.ConsumerUserID,
		ProducerRole:   record.ProducerRole,
		Offer:          record.Offer,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if existing, ok := s.records[key]; ok {
		stored.CreatedAt = existing.CreatedAt
	}
	s.records[key] = stored
	return stored, nil
}

func (s *MemoryStore) PutAnswer(_ context.Context, record models.SessionRecord) (models.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey{record.TournamentID, record.ProducerUserID, record.ConsumerUserID}
	stored, ok := s.records[key]
	if !ok {
		open, found := s.records[recordKey{record.TournamentID, record.ProducerUserID, ""}]
		if !found {
			return models.SessionRecord{}, ErrNotFound
		}
		stored = open
		stored.ConsumerUserID = record.ConsumerUserID
	}
	stored.Answer = record.Answer
	stored.ConsumerRole = record.ConsumerRole
	stored.UpdatedAt = s.now()
	s.records[key] = stored
	return stored, nil
}

func (s *MemoryStore) GetOffer(_ context.Context, tournamentID, userID string) (models.SessionRecord, error) {
	return Latest(s.snapshot(), func(r models.SessionRecord) bool {
		return r.TournamentID == tournamentID && r.Offer != "" &&
			(r.ConsumerUserID == userID || r.ConsumerUserID == "")
	})
}

func (s *MemoryStore) GetAnswer(_ context.Context, tournamentID, userID string) (models.SessionRecord, error) {
	return Latest(s.snapshot(), func(r models.SessionRecord) bool {
		return r.TournamentID == tournamentID && r.Answer != "" && r.ProducerUserID == userID
	})
}

func (s *MemoryStore) snapshot() []models.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]models.SessionRecord, 0, len(s.records))
	for _, record := range s.records {
		records = append(records, record)
	}
	return records
}
