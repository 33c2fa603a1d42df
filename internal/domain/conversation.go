package domain

import "time"

// Role identifies the speaker of a conversation entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Entry is a single exchanged message. Immutable once created.
type Entry struct {
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewEntry constructs an Entry stamped with the current UTC time. The
// metadata map is copied so callers cannot mutate the entry afterwards.
func NewEntry(role Role, content string, metadata map[string]string) Entry {
	var md map[string]string
	if len(metadata) > 0 {
		md = make(map[string]string, len(metadata))
		for k, v := range metadata {
			md[k] = v
		}
	}
	return Entry{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Metadata:  md,
	}
}

// ConversationExport is the structured audit record produced by the export
// operation: the full bounded history of one user in chronological order.
type ConversationExport struct {
	UserID         string    `json:"userId"`
	ConversationID string    `json:"conversationId"`
	Entries        []Entry   `json:"entries"`
	ExportedAt     time.Time `json:"exportedAt"`
}

// ConversationSummary describes one user's history without exposing content.
type ConversationSummary struct {
	UserID            string     `json:"userId"`
	ConversationID    string     `json:"conversationId"`
	TotalMessages     int        `json:"totalMessages"`
	UserMessages      int        `json:"userMessages"`
	AssistantMessages int        `json:"assistantMessages"`
	FirstTimestamp    *time.Time `json:"firstTimestamp,omitempty"`
	LastTimestamp     *time.Time `json:"lastTimestamp,omitempty"`
}

// MemoryStatus reports the memory system state for the administrative surface.
type MemoryStatus struct {
	MemoryEnabled        bool `json:"memoryEnabled"`
	ConversationMessages int  `json:"conversationMessages"`
	UserMessages         int  `json:"userMessages"`
	AssistantMessages    int  `json:"assistantMessages"`
}
