package reliability

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/google/uuid"
)

// DeadLetterReason records why a message left the router without delivery.
type DeadLetterReason string

const (
	ReasonPermanent DeadLetterReason = "permanent"
	ReasonExhausted DeadLetterReason = "retries_exhausted"
	ReasonNoAdapter DeadLetterReason = "no_adapter"
	ReasonQueueFull DeadLetterReason = "queue_full"
	ReasonAbandoned DeadLetterReason = "abandoned"
	ReasonInvalid   DeadLetterReason = "invalid"
)

// DeadLetter is a message the router gave up on for one destination.
type DeadLetter struct {
	ID          string                `json:"id"`
	MessageID   string                `json:"messageId"`
	Destination contracts.Destination `json:"destination"`
	Reason      DeadLetterReason      `json:"reason"`
	Error       string                `json:"error,omitempty"`
	RetryCount  int                   `json:"retryCount"`
	Message     *contracts.Message    `json:"message,omitempty"`
	RecordedAt  time.Time             `json:"recordedAt"`
}

// DeadLetterStore keeps undeliverable messages for operator inspection.
type DeadLetterStore interface {
	Store(ctx context.Context, dl *DeadLetter) error
	Get(ctx context.Context, id string) (*DeadLetter, error)
	GetByMessageID(ctx context.Context, messageID string) ([]*DeadLetter, error)
	// List returns entries newest first. limit <= 0 returns all.
	List(ctx context.Context, limit int) ([]*DeadLetter, error)
	Delete(ctx context.Context, id string) error
	Stats(ctx context.Context) (*DeadLetterStats, error)
	// Cleanup removes entries recorded before now-olderThan.
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)
}

// DeadLetterStats summarizes stored dead letters
type DeadLetterStats struct {
	Total         int                      `json:"total"`
	ByReason      map[DeadLetterReason]int `json:"byReason"`
	ByDestination map[string]int           `json:"byDestination"`
	Evicted       int64                    `json:"evicted"`
}

// InMemoryDeadLetterStore is a bounded DeadLetterStore. When full, the oldest
// entry is evicted.
type InMemoryDeadLetterStore struct {
	mu       sync.RWMutex
	capacity int
	entries  map[string]*DeadLetter
	order    []string
	evicted  int64
	now      func() time.Time
}

// DefaultDeadLetterCapacity bounds an InMemoryDeadLetterStore created with capacity <= 0.
const DefaultDeadLetterCapacity = 1000

// NewInMemoryDeadLetterStore creates a new in-memory store
func NewInMemoryDeadLetterStore(capacity int) *InMemoryDeadLetterStore {
	if capacity <= 0 {
		capacity = DefaultDeadLetterCapacity
	}
	return &InMemoryDeadLetterStore{
		capacity: capacity,
		entries:  make(map[string]*DeadLetter),
		now:      time.Now,
	}
}

// Store saves a dead letter, assigning an ID and timestamp if missing.
func (s *InMemoryDeadLetterStore) Store(ctx context.Context, dl *DeadLetter) error {
	if dl == nil || dl.MessageID == "" {
		return &DeadLetterError{Op: "store", Err: ErrInvalidDeadLetter}
	}
	if dl.ID == "" {
		dl.ID = uuid.New().String()
	}
	if dl.RecordedAt.IsZero() {
		dl.RecordedAt = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[dl.ID]; !exists {
		for len(s.order) >= s.capacity {
			oldest := s.order[0]
			s.order = s.order[1:]
			delete(s.entries, oldest)
			s.evicted++
		}
		s.order = append(s.order, dl.ID)
	}
	s.entries[dl.ID] = dl
	return nil
}

// Get retrieves a dead letter by ID
func (s *InMemoryDeadLetterStore) Get(ctx context.Context, id string) (*DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dl, ok := s.entries[id]
	if !ok {
		return nil, &DeadLetterError{Op: "get", ID: id, Err: ErrDeadLetterNotFound}
	}
	return dl, nil
}

// GetByMessageID retrieves every dead letter recorded for a message
func (s *InMemoryDeadLetterStore) GetByMessageID(ctx context.Context, messageID string) ([]*DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*DeadLetter
	for _, id := range s.order {
		if dl := s.entries[id]; dl.MessageID == messageID {
			out = append(out, dl)
		}
	}
	return out, nil
}

// List returns entries newest first
func (s *InMemoryDeadLetterStore) List(ctx context.Context, limit int) ([]*DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.order)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*DeadLetter, 0, n)
	for i := len(s.order) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.entries[s.order[i]])
	}
	return out, nil
}

// Delete removes a dead letter
func (s *InMemoryDeadLetterStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return &DeadLetterError{Op: "delete", ID: id, Err: ErrDeadLetterNotFound}
	}
	delete(s.entries, id)
	s.order = removeID(s.order, id)
	return nil
}

// Stats returns counts by reason and destination type
func (s *InMemoryDeadLetterStore) Stats(ctx context.Context) (*DeadLetterStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &DeadLetterStats{
		Total:         len(s.entries),
		ByReason:      make(map[DeadLetterReason]int),
		ByDestination: make(map[string]int),
		Evicted:       s.evicted,
	}
	for _, dl := range s.entries {
		stats.ByReason[dl.Reason]++
		stats.ByDestination[string(dl.Destination.Type)]++
	}
	return stats, nil
}

// Cleanup removes entries older than the given age
func (s *InMemoryDeadLetterStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []string
	for id, dl := range s.entries {
		if dl.RecordedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	for _, id := range stale {
		delete(s.entries, id)
		s.order = removeID(s.order, id)
	}
	return len(stale), nil
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
