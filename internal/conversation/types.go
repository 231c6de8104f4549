// Package conversation implements the ConversationStore component: durable
// storage of conversations and their gap-free, sequence-numbered messages.
package conversation

import (
	"context"
	"time"
)

// Role identifies who authored a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Status is a Conversation's lifecycle state. Transitions are driven by
// UpdateConversation/DeleteConversation; physical removal of a row is an
// administrative operation outside this package.
type Status string

const (
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusArchived Status = "archived"
	StatusDeleted  Status = "deleted"
)

// MinRating and MaxRating bound Message.RatingAverage and the rating value
// accepted by UpdateMessageRating.
const (
	MinRating = 0.0
	MaxRating = 5.0
)

// MinTemperature and MaxTemperature bound Conversation.Temperature.
const (
	MinTemperature = 0.0
	MaxTemperature = 2.0
)

// MaxListLimit is the hard ceiling ListConversations applies to a requested
// page size, regardless of what the caller asks for.
const MaxListLimit = 100

// DefaultListLimit is used when the caller supplies no limit at all.
const DefaultListLimit = 20

// sortAllowlist is the set of ListOptions.SortKey values honored verbatim;
// anything else falls back to "updated_at".
var sortAllowlist = map[string]bool{
	"created_at": true,
	"updated_at": true,
	"title":      true,
}

// NormalizeSortKey maps key to an allowed sort column, defaulting to
// updated_at for anything not in the allowlist.
func NormalizeSortKey(key string) string {
	if sortAllowlist[key] {
		return key
	}
	return "updated_at"
}

// Conversation is a single chat thread belonging to one user.
type Conversation struct {
	ID           string
	UserID       string
	Title        string
	Description  string
	Status       Status
	SystemPrompt string
	ProfileID    string

	// Temperature and MaxTokens are hyperparameter defaults applied to
	// requests on this conversation when a call doesn't override them.
	// MaxTokens of 0 means "use the provider default".
	Temperature    float64
	MaxTokens      int
	WorkflowConfig map[string]any

	// Provider and Model record the most recently used provider/model for
	// this conversation, updated from Message usage on AppendMessage. They
	// exist so ListConversations can filter on them.
	Provider string
	Model    string

	Tags             []string
	RetrievalEnabled bool

	// MessageCount, TotalTokens and TotalCost are running counters
	// maintained by AppendMessage/DeleteMessage/BulkDeleteMessages.
	MessageCount int
	TotalTokens  int64
	TotalCost    float64

	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ConversationPatch carries update_conversation's patchable fields (spec
// §4.1): Metadata is merged into the existing map, every other non-nil
// field replaces its counterpart wholesale.
type ConversationPatch struct {
	Title          *string
	Description    *string
	Status         *Status
	Temperature    *float64
	MaxTokens      *int
	WorkflowConfig map[string]any
	Metadata       map[string]any
}

// Message is one turn in a Conversation. SequenceNumber is gap-free and
// strictly increasing per conversation, allocated by the store itself so
// concurrent appenders can never collide or skip a number.
type Message struct {
	ID             string
	ConversationID string
	SequenceNumber int64
	Role           Role
	Content        string
	ToolCalls      []ToolCall
	ToolResults    []ToolResult

	// Usage fields are populated for assistant turns that consumed a
	// provider call; they're zero-valued otherwise.
	Provider         string
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	Cost             float64
	ResponseTimeMs   int64

	// RatingCount of 0 means the message has never been rated.
	RatingAverage float64
	RatingCount   int

	Metadata  map[string]any
	CreatedAt time.Time
}

// ToolCall is a model-issued request to invoke a tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// ToolResult is the outcome of executing a ToolCall.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// ListOptions filters and paginates Conversation listing (spec §4.1).
// SortKey is normalized through NormalizeSortKey before use.
type ListOptions struct {
	Status           Status
	Provider         string
	Model            string
	Tags             []string
	RetrievalEnabled *bool

	Limit  int
	Offset int

	SortKey        string
	SortDescending bool
}

// Store is the ConversationStore contract (spec §4.1). Both implementations
// in this package satisfy it identically so callers can swap backends
// without touching orchestration code. Every method that takes an id also
// takes the requesting userID and fails with wferrors.KindAuthorization
// when it doesn't match the record's owner.
type Store interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id, userID string) (*Conversation, error)
	UpdateConversation(ctx context.Context, id, userID string, patch ConversationPatch) (*Conversation, error)
	// DeleteConversation soft-deletes by transitioning Status to
	// StatusDeleted; it never removes the row or its messages.
	DeleteConversation(ctx context.Context, id, userID string) error
	ListConversations(ctx context.Context, userID string, opts ListOptions) ([]*Conversation, int, error)

	// AppendMessage allocates the next sequence number for conversationID
	// and persists msg atomically; msg.SequenceNumber is populated on
	// success. It also updates the parent conversation's counters and
	// last-used provider/model.
	AppendMessage(ctx context.Context, conversationID, userID string, msg *Message) error
	GetHistory(ctx context.Context, conversationID, userID string, limit int) ([]*Message, error)
	DeleteMessage(ctx context.Context, conversationID, messageID, userID string) error
	// BulkDeleteMessages deletes every message in messageIDs that belongs
	// to conversationID and returns how many were actually removed.
	BulkDeleteMessages(ctx context.Context, conversationID, userID string, messageIDs []string) (int, error)
	// UpdateMessageRating folds rating into the message's running-mean
	// RatingAverage/RatingCount and returns the updated Message.
	UpdateMessageRating(ctx context.Context, conversationID, messageID, userID string, rating float64) (*Message, error)
}
