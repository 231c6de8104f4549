package conversation

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/nexus-workflow/internal/ids"
	"github.com/haasonsaas/nexus-workflow/internal/wferrors"
)

// maxMessagesPerConversation bounds in-memory history the same way the
// teacher's session store trims oldest messages once a conversation grows
// unbounded.
const maxMessagesPerConversation = 1000

// MemoryStore is an in-process Store, used for tests and local runs. Every
// getter returns a deep copy so callers can't mutate state behind the
// store's back.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	messages      map[string][]*Message // conversationID -> ordered messages
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
	}
}

func (s *MemoryStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	if err := validateConversationInput(conv.Title, conv.Temperature, conv.MaxTokens); err != nil {
		return err
	}
	if conv.ID == "" {
		conv.ID = ids.New()
	}
	if conv.Status == "" {
		conv.Status = StatusActive
	}
	now := time.Now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.conversations[conv.ID]; exists {
		return wferrors.Newf(wferrors.KindConflict, conv.ID, "conversation already exists: %s", conv.ID)
	}
	s.conversations[conv.ID] = cloneConversation(conv)
	return nil
}

// validateConversationInput enforces create_conversation's Validation
// failure modes (spec §4.1): empty title, or hyperparameters outside their
// accepted range.
func validateConversationInput(title string, temperature float64, maxTokens int) error {
	if strings.TrimSpace(title) == "" {
		return wferrors.New(wferrors.KindValidation, "", errors.New("title must not be empty"))
	}
	if temperature < MinTemperature || temperature > MaxTemperature {
		return wferrors.New(wferrors.KindValidation, "", errors.New("temperature out of range"))
	}
	if maxTokens < 0 {
		return wferrors.New(wferrors.KindValidation, "", errors.New("max_tokens must not be negative"))
	}
	return nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, id, userID string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, wferrors.Newf(wferrors.KindNotFound, id, "conversation not found: %s", id)
	}
	if conv.UserID != userID {
		return nil, wferrors.Newf(wferrors.KindAuthorization, id, "conversation %s does not belong to user", id)
	}
	return cloneConversation(conv), nil
}

func (s *MemoryStore) UpdateConversation(ctx context.Context, id, userID string, patch ConversationPatch) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.conversations[id]
	if !ok {
		return nil, wferrors.Newf(wferrors.KindNotFound, id, "conversation not found: %s", id)
	}
	if existing.UserID != userID {
		return nil, wferrors.Newf(wferrors.KindAuthorization, id, "conversation %s does not belong to user", id)
	}

	updated := cloneConversation(existing)
	if err := applyConversationPatch(updated, patch); err != nil {
		return nil, err
	}
	updated.UpdatedAt = time.Now()
	s.conversations[id] = cloneConversation(updated)
	return cloneConversation(updated), nil
}

// applyConversationPatch implements update_conversation's patch semantics:
// Metadata merges key-by-key into the existing map; every other non-nil
// field replaces its counterpart wholesale.
func applyConversationPatch(conv *Conversation, patch ConversationPatch) error {
	title := conv.Title
	if patch.Title != nil {
		title = *patch.Title
	}
	temperature := conv.Temperature
	if patch.Temperature != nil {
		temperature = *patch.Temperature
	}
	maxTokens := conv.MaxTokens
	if patch.MaxTokens != nil {
		maxTokens = *patch.MaxTokens
	}
	if err := validateConversationInput(title, temperature, maxTokens); err != nil {
		return err
	}

	conv.Title = title
	conv.Temperature = temperature
	conv.MaxTokens = maxTokens
	if patch.Description != nil {
		conv.Description = *patch.Description
	}
	if patch.Status != nil {
		conv.Status = *patch.Status
	}
	if patch.WorkflowConfig != nil {
		conv.WorkflowConfig = deepCloneMap(patch.WorkflowConfig)
	}
	if patch.Metadata != nil {
		if conv.Metadata == nil {
			conv.Metadata = make(map[string]any, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			conv.Metadata[k] = deepCloneValue(v)
		}
	}
	return nil
}

// DeleteConversation soft-deletes by transitioning Status to StatusDeleted.
// Physical deletion of the conversation and its messages is an
// administrative operation outside this package.
func (s *MemoryStore) DeleteConversation(ctx context.Context, id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return wferrors.Newf(wferrors.KindNotFound, id, "conversation not found: %s", id)
	}
	if conv.UserID != userID {
		return wferrors.Newf(wferrors.KindAuthorization, id, "conversation %s does not belong to user", id)
	}
	conv.Status = StatusDeleted
	conv.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) ListConversations(ctx context.Context, userID string, opts ListOptions) ([]*Conversation, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Conversation
	for _, conv := range s.conversations {
		if conv.UserID == userID && conversationMatchesFilters(conv, opts) {
			matched = append(matched, cloneConversation(conv))
		}
	}

	sortKey := NormalizeSortKey(opts.SortKey)
	less := func(i, j int) bool {
		switch sortKey {
		case "created_at":
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		case "title":
			return matched[i].Title < matched[j].Title
		default:
			return matched[i].UpdatedAt.Before(matched[j].UpdatedAt)
		}
	}
	if opts.SortDescending {
		sort.Slice(matched, func(i, j int) bool { return less(j, i) })
	} else {
		sort.Slice(matched, func(i, j int) bool { return less(i, j) })
	}

	total := len(matched)
	limit := opts.Limit
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			return nil, total, nil
		}
		matched = matched[opts.Offset:]
	}
	if limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, total, nil
}

func conversationMatchesFilters(conv *Conversation, opts ListOptions) bool {
	if opts.Status != "" && conv.Status != opts.Status {
		return false
	}
	if opts.Provider != "" && conv.Provider != opts.Provider {
		return false
	}
	if opts.Model != "" && conv.Model != opts.Model {
		return false
	}
	if opts.RetrievalEnabled != nil && conv.RetrievalEnabled != *opts.RetrievalEnabled {
		return false
	}
	if len(opts.Tags) > 0 && !tagsOverlap(conv.Tags, opts.Tags) {
		return false
	}
	return true
}

func tagsOverlap(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range want {
		if set[t] {
			return true
		}
	}
	return false
}

// AppendMessage allocates the next sequence number as
// len(existing history)+1 under the store-wide lock, which makes allocation
// atomic for a single-process deployment — the distributed equivalent lives
// in the Postgres implementation's transaction-with-retry.
func (s *MemoryStore) AppendMessage(ctx context.Context, conversationID, userID string, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return wferrors.Newf(wferrors.KindNotFound, conversationID, "conversation not found: %s", conversationID)
	}
	if conv.UserID != userID {
		return wferrors.Newf(wferrors.KindAuthorization, conversationID, "conversation %s does not belong to user", conversationID)
	}

	if msg.ID == "" {
		msg.ID = ids.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	history := s.messages[conversationID]
	lastSeq := int64(0)
	if n := len(history); n > 0 {
		lastSeq = history[n-1].SequenceNumber
	}
	msg.SequenceNumber = lastSeq + 1
	history = append(history, cloneMessage(msg))
	if len(history) > maxMessagesPerConversation {
		history = history[len(history)-maxMessagesPerConversation:]
	}
	s.messages[conversationID] = history

	conv.MessageCount++
	conv.TotalTokens += msg.PromptTokens + msg.CompletionTokens
	conv.TotalCost += msg.Cost
	if msg.Provider != "" {
		conv.Provider = msg.Provider
	}
	if msg.Model != "" {
		conv.Model = msg.Model
	}
	conv.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) GetHistory(ctx context.Context, conversationID, userID string, limit int) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, wferrors.Newf(wferrors.KindNotFound, conversationID, "conversation not found: %s", conversationID)
	}
	if conv.UserID != userID {
		return nil, wferrors.Newf(wferrors.KindAuthorization, conversationID, "conversation %s does not belong to user", conversationID)
	}

	history := s.messages[conversationID]
	if limit > 0 && limit < len(history) {
		history = history[len(history)-limit:]
	}
	out := make([]*Message, len(history))
	for i, m := range history {
		out[i] = cloneMessage(m)
	}
	return out, nil
}

func (s *MemoryStore) DeleteMessage(ctx context.Context, conversationID, messageID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return wferrors.Newf(wferrors.KindNotFound, conversationID, "conversation not found: %s", conversationID)
	}
	if conv.UserID != userID {
		return wferrors.Newf(wferrors.KindAuthorization, conversationID, "conversation %s does not belong to user", conversationID)
	}

	history := s.messages[conversationID]
	idx := -1
	for i, m := range history {
		if m.ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return wferrors.Newf(wferrors.KindNotFound, messageID, "message not found: %s", messageID)
	}
	removed := history[idx]
	s.messages[conversationID] = append(history[:idx], history[idx+1:]...)
	s.deductRemovedMessage(conv, removed)
	return nil
}

func (s *MemoryStore) BulkDeleteMessages(ctx context.Context, conversationID, userID string, messageIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return 0, wferrors.Newf(wferrors.KindNotFound, conversationID, "conversation not found: %s", conversationID)
	}
	if conv.UserID != userID {
		return 0, wferrors.Newf(wferrors.KindAuthorization, conversationID, "conversation %s does not belong to user", conversationID)
	}

	wanted := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		wanted[id] = true
	}

	history := s.messages[conversationID]
	kept := history[:0:0]
	removedCount := 0
	for _, m := range history {
		if wanted[m.ID] {
			s.deductRemovedMessage(conv, m)
			removedCount++
			continue
		}
		kept = append(kept, m)
	}
	s.messages[conversationID] = kept
	return removedCount, nil
}

func (s *MemoryStore) deductRemovedMessage(conv *Conversation, removed *Message) {
	conv.MessageCount--
	conv.TotalTokens -= removed.PromptTokens + removed.CompletionTokens
	conv.TotalCost -= removed.Cost
	conv.UpdatedAt = time.Now()
}

// UpdateMessageRating folds rating into the message's running-mean
// RatingAverage/RatingCount (spec §8):
// rating ← (rating·count + new) / (count+1); count++.
func (s *MemoryStore) UpdateMessageRating(ctx context.Context, conversationID, messageID, userID string, rating float64) (*Message, error) {
	if rating < MinRating || rating > MaxRating {
		return nil, wferrors.New(wferrors.KindValidation, messageID, errors.New("rating out of range"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, wferrors.Newf(wferrors.KindNotFound, conversationID, "conversation not found: %s", conversationID)
	}
	if conv.UserID != userID {
		return nil, wferrors.Newf(wferrors.KindAuthorization, conversationID, "conversation %s does not belong to user", conversationID)
	}

	history := s.messages[conversationID]
	for _, m := range history {
		if m.ID != messageID {
			continue
		}
		m.RatingAverage = (m.RatingAverage*float64(m.RatingCount) + rating) / float64(m.RatingCount+1)
		m.RatingCount++
		return cloneMessage(m), nil
	}
	return nil, wferrors.Newf(wferrors.KindNotFound, messageID, "message not found: %s", messageID)
}

func cloneConversation(c *Conversation) *Conversation {
	clone := *c
	clone.Metadata = deepCloneMap(c.Metadata)
	clone.WorkflowConfig = deepCloneMap(c.WorkflowConfig)
	clone.Tags = append([]string(nil), c.Tags...)
	return &clone
}

func cloneMessage(m *Message) *Message {
	clone := *m
	clone.Metadata = deepCloneMap(m.Metadata)
	clone.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	clone.ToolResults = append([]ToolResult(nil), m.ToolResults...)
	return &clone
}

func deepCloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCloneValue(v)
	}
	return out
}

func deepCloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return deepCloneMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = deepCloneValue(item)
		}
		return out
	default:
		return v
	}
}

var _ Store = (*MemoryStore)(nil)
