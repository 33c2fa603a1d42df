package memory

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PH536-UI/mr-dom-ph-copilot/internal/domain"
)

// DefaultWindow is the per-user history bound when none is configured.
const DefaultWindow = 10

var (
	// ErrInvalidIdentifier is returned for an empty or blank user ID,
	// before any state is touched.
	ErrInvalidIdentifier = errors.New("memory: invalid user identifier")

	// ErrNotFound is returned when an operation requires an existing
	// history and the user has none.
	ErrNotFound = errors.New("memory: conversation not found")
)

// history is the bounded ordered log for a single user. Entry mutation
// happens under its own mutex so users never block each other.
type history struct {
	mu             sync.Mutex
	conversationID string
	entries        []domain.Entry
}

// Store is the process-wide conversation memory: a keyed map from user ID
// to bounded history. Histories are created lazily on first append and live
// until explicitly cleared.
type Store struct {
	mu     sync.RWMutex
	window int
	users  map[string]*history
}

// New creates a Store retaining at most window entries per user.
// A non-positive window falls back to DefaultWindow.
func New(window int) *Store {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Store{
		window: window,
		users:  make(map[string]*history),
	}
}

// Window returns the configured per-user entry bound.
func (s *Store) Window() int {
	return s.window
}

func validUserID(userID string) bool {
	return strings.TrimSpace(userID) != ""
}

// get returns the history for userID, or nil if none exists.
func (s *Store) get(userID string) *history {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users[userID]
}

// getOrCreate returns the history for userID, creating it on first use.
// A fresh history is assigned a conversation ID for its whole lifetime.
func (s *Store) getOrCreate(userID string) *history {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.users[userID]
	if !ok {
		h = &history{conversationID: uuid.NewString()}
		s.users[userID] = h
	}
	return h
}

// Append adds entries to the user's history in order, as one atomic
// operation, evicting the oldest entries once the window is exceeded.
// Appending zero entries is a no-op but still validates the identifier.
func (s *Store) Append(userID string, entries ...domain.Entry) error {
	if !validUserID(userID) {
		return ErrInvalidIdentifier
	}
	if len(entries) == 0 {
		return nil
	}

	h := s.getOrCreate(userID)
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = append(h.entries, entries...)
	if excess := len(h.entries) - s.window; excess > 0 {
		h.entries = append(h.entries[:0], h.entries[excess:]...)
	}
	return nil
}

// Snapshot returns the last min(count, length) entries in chronological
// order. A non-positive count returns the full (window-bounded) history.
// Unknown users yield an empty slice. The result is a copy; mutating it
// never affects the store.
func (s *Store) Snapshot(userID string, count int) []domain.Entry {
	h := s.get(userID)
	if h == nil {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.entries)
	if count <= 0 || count > n {
		count = n
	}
	out := make([]domain.Entry, count)
	copy(out, h.entries[n-count:])
	return out
}

// Len returns the current history length for a user (0 when absent).
func (s *Store) Len(userID string) int {
	h := s.get(userID)
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// ConversationID returns the identifier assigned to the user's history,
// or the empty string if no history exists yet.
func (s *Store) ConversationID(userID string) string {
	h := s.get(userID)
	if h == nil {
		return ""
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conversationID
}

// Clear removes all state for a user. Clearing an unknown user is a no-op.
func (s *Store) Clear(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, userID)
}

// Export serializes the user's full bounded history to an audit record.
// An unknown user yields ErrNotFound unless allowEmpty is set, in which
// case an empty record is returned.
func (s *Store) Export(userID string, allowEmpty bool) (domain.ConversationExport, error) {
	if !validUserID(userID) {
		return domain.ConversationExport{}, ErrInvalidIdentifier
	}

	h := s.get(userID)
	if h == nil {
		if !allowEmpty {
			return domain.ConversationExport{}, ErrNotFound
		}
		return domain.ConversationExport{
			UserID:     userID,
			Entries:    []domain.Entry{},
			ExportedAt: time.Now().UTC(),
		}, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	entries := make([]domain.Entry, len(h.entries))
	copy(entries, h.entries)
	return domain.ConversationExport{
		UserID:         userID,
		ConversationID: h.conversationID,
		Entries:        entries,
		ExportedAt:     time.Now().UTC(),
	}, nil
}

// Summary returns message counts and first/last timestamps for a user.
// An unknown user yields ErrNotFound.
func (s *Store) Summary(userID string) (domain.ConversationSummary, error) {
	if !validUserID(userID) {
		return domain.ConversationSummary{}, ErrInvalidIdentifier
	}

	h := s.get(userID)
	if h == nil {
		return domain.ConversationSummary{}, ErrNotFound
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	sum := domain.ConversationSummary{
		UserID:         userID,
		ConversationID: h.conversationID,
		TotalMessages:  len(h.entries),
	}
	for _, e := range h.entries {
		switch e.Role {
		case domain.RoleUser:
			sum.UserMessages++
		case domain.RoleAssistant:
			sum.AssistantMessages++
		}
	}
	if len(h.entries) > 0 {
		first := h.entries[0].Timestamp
		last := h.entries[len(h.entries)-1].Timestamp
		sum.FirstTimestamp = &first
		sum.LastTimestamp = &last
	}
	return sum, nil
}

// Status reports memory counters for a user. Unknown users report zero
// counts rather than an error so the status surface always answers.
func (s *Store) Status(userID string) domain.MemoryStatus {
	status := domain.MemoryStatus{MemoryEnabled: true}
	h := s.get(userID)
	if h == nil {
		return status
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	status.ConversationMessages = len(h.entries)
	for _, e := range h.entries {
		switch e.Role {
		case domain.RoleUser:
			status.UserMessages++
		case domain.RoleAssistant:
			status.AssistantMessages++
		}
	}
	return status
}
