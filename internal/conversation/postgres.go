package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/haasonsaas/nexus-workflow/internal/ids"
	"github.com/haasonsaas/nexus-workflow/internal/wferrors"
)

// uniqueViolation is the Postgres SQLSTATE for a unique-constraint failure,
// the signal the sequence-number retry loop below watches for.
const uniqueViolation = "23505"

// MaxSequenceRetries bounds the MAX(seq)+1 retry loop in AppendMessage.
const MaxSequenceRetries = 5

// PostgresConfig configures the connection pool backing PostgresStore,
// following the shape of the teacher's CockroachConfig.
type PostgresConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns sane local-development defaults.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		Host:            "localhost",
		Port:            5432,
		User:            "postgres",
		Database:        "nexus_workflow",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// conversationColumns is the full column list, in order, shared by every
// query that reads a whole conversation row.
const conversationColumns = `id, user_id, title, description, status, system_prompt, profile_id,
	temperature, max_tokens, workflow_config, provider, model, tags, retrieval_enabled,
	message_count, total_tokens, total_cost, metadata, created_at, updated_at`

// messageColumns is the full column list, in order, shared by every query
// that reads a whole message row.
const messageColumns = `id, conversation_id, sequence_number, role, content, tool_calls, tool_results,
	provider, model, prompt_tokens, completion_tokens, cost, response_time_ms,
	rating_average, rating_count, metadata, created_at`

// PostgresStore is the durable Store implementation, using prepared
// statements for the hot path and retrying, row-locked transactions for
// message sequence-number allocation and counter maintenance.
type PostgresStore struct {
	db *sql.DB

	stmtCreateConversation *sql.Stmt
	stmtGetConversation    *sql.Stmt
	stmtGetHistory         *sql.Stmt
}

// NewPostgresStore opens a connection pool from config and prepares
// statements for reuse.
func NewPostgresStore(config *PostgresConfig) (*PostgresStore, error) {
	if config == nil {
		config = DefaultPostgresConfig()
	}
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		config.Host, config.Port, config.User, config.Password,
		config.Database, config.SSLMode, int(config.ConnectTimeout.Seconds()),
	)
	return NewPostgresStoreFromDSN(dsn, config)
}

// NewPostgresStoreFromDSN opens a store from a raw DSN, used for tests via
// sqlmock and for operators supplying a connection URL directly.
func NewPostgresStoreFromDSN(dsn string, config *PostgresConfig) (*PostgresStore, error) {
	if dsn == "" {
		return nil, wferrors.Newf(wferrors.KindConfiguration, "", "dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, wferrors.New(wferrors.KindConfiguration, "", fmt.Errorf("open database: %w", err))
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, wferrors.New(wferrors.KindProviderUnavailable, "", fmt.Errorf("ping database: %w", err))
	}

	store := &PostgresStore{db: db}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB wraps an already-open *sql.DB, used by tests that
// drive a sqlmock.
func NewPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db}
	if err := store.prepareStatements(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) prepareStatements() error {
	var err error

	s.stmtCreateConversation, err = s.db.Prepare(`
		INSERT INTO conversations (` + conversationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`)
	if err != nil {
		return wferrors.New(wferrors.KindInternal, "", fmt.Errorf("prepare create conversation: %w", err))
	}

	s.stmtGetConversation, err = s.db.Prepare(`
		SELECT ` + conversationColumns + `
		FROM conversations WHERE id = $1
	`)
	if err != nil {
		return wferrors.New(wferrors.KindInternal, "", fmt.Errorf("prepare get conversation: %w", err))
	}

	s.stmtGetHistory, err = s.db.Prepare(`
		SELECT ` + messageColumns + `
		FROM messages WHERE conversation_id = $1
		ORDER BY sequence_number DESC
		LIMIT $2
	`)
	if err != nil {
		return wferrors.New(wferrors.KindInternal, "", fmt.Errorf("prepare get history: %w", err))
	}
	return nil
}

// Close releases prepared statements and the connection pool.
func (s *PostgresStore) Close() error {
	stmts := []*sql.Stmt{s.stmtCreateConversation, s.stmtGetConversation, s.stmtGetHistory}
	for _, stmt := range stmts {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
	return s.db.Close()
}

func (s *PostgresStore) CreateConversation(ctx context.Context, conv *Conversation) error {
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

	metadata, workflowConfig, err := marshalConversationJSON(conv)
	if err != nil {
		return err
	}

	_, err = s.stmtCreateConversation.ExecContext(ctx,
		conv.ID, conv.UserID, conv.Title, conv.Description, conv.Status, conv.SystemPrompt, conv.ProfileID,
		conv.Temperature, conv.MaxTokens, workflowConfig, conv.Provider, conv.Model, pq.Array(conv.Tags), conv.RetrievalEnabled,
		conv.MessageCount, conv.TotalTokens, conv.TotalCost, metadata, conv.CreatedAt, conv.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return wferrors.Newf(wferrors.KindConflict, conv.ID, "conversation already exists: %s", conv.ID)
	}
	if err != nil {
		return wferrors.New(wferrors.KindTransient, conv.ID, fmt.Errorf("create conversation: %w", err))
	}
	return nil
}

func marshalConversationJSON(conv *Conversation) (metadata, workflowConfig []byte, err error) {
	metadata, err = json.Marshal(conv.Metadata)
	if err != nil {
		return nil, nil, wferrors.New(wferrors.KindInternal, conv.ID, fmt.Errorf("marshal metadata: %w", err))
	}
	workflowConfig, err = json.Marshal(conv.WorkflowConfig)
	if err != nil {
		return nil, nil, wferrors.New(wferrors.KindInternal, conv.ID, fmt.Errorf("marshal workflow config: %w", err))
	}
	return metadata, workflowConfig, nil
}

// scanConversation scans a row matching conversationColumns's order.
func scanConversation(row interface{ Scan(...any) error }) (*Conversation, error) {
	conv := &Conversation{}
	var metadataJSON, workflowConfigJSON []byte
	err := row.Scan(
		&conv.ID, &conv.UserID, &conv.Title, &conv.Description, &conv.Status, &conv.SystemPrompt, &conv.ProfileID,
		&conv.Temperature, &conv.MaxTokens, &workflowConfigJSON, &conv.Provider, &conv.Model, pq.Array(&conv.Tags), &conv.RetrievalEnabled,
		&conv.MessageCount, &conv.TotalTokens, &conv.TotalCost, &metadataJSON, &conv.CreatedAt, &conv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := unmarshalMetadata(metadataJSON, &conv.Metadata); err != nil {
		return nil, err
	}
	if len(workflowConfigJSON) > 0 && string(workflowConfigJSON) != "null" {
		if err := json.Unmarshal(workflowConfigJSON, &conv.WorkflowConfig); err != nil {
			return nil, wferrors.New(wferrors.KindInternal, conv.ID, fmt.Errorf("unmarshal workflow config: %w", err))
		}
	}
	return conv, nil
}

// fetchConversationRow reads a conversation by id with no owner filter, so
// callers can tell NotFound from Authorization apart.
func (s *PostgresStore) fetchConversationRow(ctx context.Context, id string) (*Conversation, error) {
	conv, err := scanConversation(s.stmtGetConversation.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wferrors.Newf(wferrors.KindNotFound, id, "conversation not found: %s", id)
	}
	if err != nil {
		return nil, wferrors.New(wferrors.KindTransient, id, fmt.Errorf("get conversation: %w", err))
	}
	return conv, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id, userID string) (*Conversation, error) {
	conv, err := s.fetchConversationRow(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.UserID != userID {
		return nil, wferrors.Newf(wferrors.KindAuthorization, id, "conversation %s does not belong to user", id)
	}
	return conv, nil
}

func (s *PostgresStore) UpdateConversation(ctx context.Context, id, userID string, patch ConversationPatch) (*Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wferrors.New(wferrors.KindTransient, id, fmt.Errorf("begin tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1 FOR UPDATE`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wferrors.Newf(wferrors.KindNotFound, id, "conversation not found: %s", id)
	}
	if err != nil {
		return nil, wferrors.New(wferrors.KindTransient, id, fmt.Errorf("lock conversation: %w", err))
	}
	if conv.UserID != userID {
		return nil, wferrors.Newf(wferrors.KindAuthorization, id, "conversation %s does not belong to user", id)
	}

	if err := applyConversationPatch(conv, patch); err != nil {
		return nil, err
	}
	conv.UpdatedAt = time.Now()

	metadata, workflowConfig, err := marshalConversationJSON(conv)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations SET
			title = $1, description = $2, status = $3, temperature = $4, max_tokens = $5,
			workflow_config = $6, metadata = $7, updated_at = $8
		WHERE id = $9
	`, conv.Title, conv.Description, conv.Status, conv.Temperature, conv.MaxTokens, workflowConfig, metadata, conv.UpdatedAt, id)
	if err != nil {
		return nil, wferrors.New(wferrors.KindTransient, id, fmt.Errorf("update conversation: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return nil, wferrors.New(wferrors.KindTransient, id, fmt.Errorf("commit: %w", err))
	}
	return conv, nil
}

// DeleteConversation soft-deletes by transitioning Status to StatusDeleted.
// Physical deletion of the conversation and its messages is an
// administrative operation outside this package.
func (s *PostgresStore) DeleteConversation(ctx context.Context, id, userID string) error {
	conv, err := s.fetchConversationRow(ctx, id)
	if err != nil {
		return err
	}
	if conv.UserID != userID {
		return wferrors.Newf(wferrors.KindAuthorization, id, "conversation %s does not belong to user", id)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE conversations SET status = $1, updated_at = $2 WHERE id = $3`,
		StatusDeleted, time.Now(), id,
	)
	if err != nil {
		return wferrors.New(wferrors.KindTransient, id, fmt.Errorf("delete conversation: %w", err))
	}
	return nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, userID string, opts ListOptions) ([]*Conversation, int, error) {
	where := []string{"user_id = $1"}
	args := []any{userID}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if opts.Status != "" {
		where = append(where, "status = "+arg(opts.Status))
	}
	if opts.Provider != "" {
		where = append(where, "provider = "+arg(opts.Provider))
	}
	if opts.Model != "" {
		where = append(where, "model = "+arg(opts.Model))
	}
	if opts.RetrievalEnabled != nil {
		where = append(where, "retrieval_enabled = "+arg(*opts.RetrievalEnabled))
	}
	if len(opts.Tags) > 0 {
		where = append(where, "tags && "+arg(pq.Array(opts.Tags)))
	}
	whereClause := "WHERE " + strings.Join(where, " AND ")

	var total int
	countQuery := "SELECT COUNT(*) FROM conversations " + whereClause
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, wferrors.New(wferrors.KindTransient, userID, fmt.Errorf("count conversations: %w", err))
	}

	sortKey := NormalizeSortKey(opts.SortKey)
	direction := "ASC"
	if opts.SortDescending {
		direction = "DESC"
	}
	limit := opts.Limit
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}
	listArgs := append(append([]any{}, args...), limit, opts.Offset)
	query := fmt.Sprintf(
		"SELECT %s FROM conversations %s ORDER BY %s %s LIMIT $%d OFFSET $%d",
		conversationColumns, whereClause, sortKey, direction, len(listArgs)-1, len(listArgs),
	)

	rows, err := s.db.QueryContext(ctx, query, listArgs...)
	if err != nil {
		return nil, 0, wferrors.New(wferrors.KindTransient, userID, fmt.Errorf("list conversations: %w", err))
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, 0, wferrors.New(wferrors.KindInternal, userID, fmt.Errorf("scan conversation: %w", err))
		}
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, wferrors.New(wferrors.KindTransient, userID, fmt.Errorf("iterate conversations: %w", err))
	}
	return out, total, nil
}

// AppendMessage allocates the next sequence number inside a transaction
// that first locks the parent conversation row (SELECT ... FOR UPDATE),
// which both verifies ownership and serializes concurrent appenders for
// the same conversation; the subsequent MAX(sequence_number) read is a
// plain aggregate query, since Postgres rejects FOR UPDATE on a query
// whose target list contains an aggregate. A concurrent writer racing for
// the same slot (which this lock should already prevent, but a second
// writer could still observe a stale snapshot under some isolation
// levels) fails the unique (conversation_id, sequence_number) constraint;
// that failure is retried up to MaxSequenceRetries times with a freshly
// recomputed sequence number, per spec §4.1's allocation invariant.
func (s *PostgresStore) AppendMessage(ctx context.Context, conversationID, userID string, msg *Message) error {
	if msg.ID == "" {
		msg.ID = ids.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	toolCallsJSON, err := json.Marshal(msg.ToolCalls)
	if err != nil {
		return wferrors.New(wferrors.KindInternal, msg.ID, fmt.Errorf("marshal tool calls: %w", err))
	}
	toolResultsJSON, err := json.Marshal(msg.ToolResults)
	if err != nil {
		return wferrors.New(wferrors.KindInternal, msg.ID, fmt.Errorf("marshal tool results: %w", err))
	}
	metadataJSON, err := json.Marshal(msg.Metadata)
	if err != nil {
		return wferrors.New(wferrors.KindInternal, msg.ID, fmt.Errorf("marshal metadata: %w", err))
	}

	var lastErr error
	for attempt := 0; attempt < MaxSequenceRetries; attempt++ {
		err := s.appendMessageOnce(ctx, conversationID, userID, msg, toolCallsJSON, toolResultsJSON, metadataJSON)
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) {
			return err
		}
		lastErr = err
	}
	return wferrors.New(wferrors.KindConflict, msg.ID, fmt.Errorf("sequence number allocation failed after %d retries: %w", MaxSequenceRetries, lastErr))
}

func (s *PostgresStore) appendMessageOnce(ctx context.Context, conversationID, userID string, msg *Message, toolCallsJSON, toolResultsJSON, metadataJSON []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wferrors.New(wferrors.KindTransient, msg.ID, fmt.Errorf("begin tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	var ownerID string
	err = tx.QueryRowContext(ctx,
		`SELECT user_id FROM conversations WHERE id = $1 FOR UPDATE`,
		conversationID,
	).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return wferrors.Newf(wferrors.KindNotFound, conversationID, "conversation not found: %s", conversationID)
	}
	if err != nil {
		return wferrors.New(wferrors.KindTransient, msg.ID, fmt.Errorf("lock conversation: %w", err))
	}
	if ownerID != userID {
		return wferrors.Newf(wferrors.KindAuthorization, conversationID, "conversation %s does not belong to user", conversationID)
	}

	var nextSeq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM messages WHERE conversation_id = $1`,
		conversationID,
	).Scan(&nextSeq)
	if err != nil {
		return wferrors.New(wferrors.KindTransient, msg.ID, fmt.Errorf("allocate sequence number: %w", err))
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, msg.ID, conversationID, nextSeq, msg.Role, msg.Content, toolCallsJSON, toolResultsJSON,
		msg.Provider, msg.Model, msg.PromptTokens, msg.CompletionTokens, msg.Cost, msg.ResponseTimeMs,
		msg.RatingAverage, msg.RatingCount, metadataJSON, msg.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return err
		}
		return wferrors.New(wferrors.KindTransient, msg.ID, fmt.Errorf("insert message: %w", err))
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations SET
			message_count = message_count + 1,
			total_tokens = total_tokens + $1,
			total_cost = total_cost + $2,
			provider = CASE WHEN $3 = '' THEN provider ELSE $3 END,
			model = CASE WHEN $4 = '' THEN model ELSE $4 END,
			updated_at = $5
		WHERE id = $6
	`, msg.PromptTokens+msg.CompletionTokens, msg.Cost, msg.Provider, msg.Model, time.Now(), conversationID)
	if err != nil {
		return wferrors.New(wferrors.KindTransient, msg.ID, fmt.Errorf("update conversation counters: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return wferrors.New(wferrors.KindTransient, msg.ID, fmt.Errorf("commit: %w", err))
	}
	msg.SequenceNumber = nextSeq
	return nil
}

func (s *PostgresStore) GetHistory(ctx context.Context, conversationID, userID string, limit int) ([]*Message, error) {
	if _, err := s.GetConversation(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.stmtGetHistory.QueryContext(ctx, conversationID, limit)
	if err != nil {
		return nil, wferrors.New(wferrors.KindTransient, conversationID, fmt.Errorf("get history: %w", err))
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, wferrors.New(wferrors.KindInternal, conversationID, fmt.Errorf("scan message: %w", err))
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, wferrors.New(wferrors.KindTransient, conversationID, fmt.Errorf("iterate messages: %w", err))
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// scanMessage scans a row matching messageColumns's order.
func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	msg := &Message{}
	var toolCallsJSON, toolResultsJSON, metadataJSON []byte
	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.SequenceNumber, &msg.Role, &msg.Content,
		&toolCallsJSON, &toolResultsJSON,
		&msg.Provider, &msg.Model, &msg.PromptTokens, &msg.CompletionTokens, &msg.Cost, &msg.ResponseTimeMs,
		&msg.RatingAverage, &msg.RatingCount, &metadataJSON, &msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(toolCallsJSON) > 0 && string(toolCallsJSON) != "null" {
		if err := json.Unmarshal(toolCallsJSON, &msg.ToolCalls); err != nil {
			return nil, wferrors.New(wferrors.KindInternal, msg.ID, fmt.Errorf("unmarshal tool calls: %w", err))
		}
	}
	if len(toolResultsJSON) > 0 && string(toolResultsJSON) != "null" {
		if err := json.Unmarshal(toolResultsJSON, &msg.ToolResults); err != nil {
			return nil, wferrors.New(wferrors.KindInternal, msg.ID, fmt.Errorf("unmarshal tool results: %w", err))
		}
	}
	if err := unmarshalMetadata(metadataJSON, &msg.Metadata); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *PostgresStore) DeleteMessage(ctx context.Context, conversationID, messageID, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wferrors.New(wferrors.KindTransient, conversationID, fmt.Errorf("begin tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.lockConversationForOwner(ctx, tx, conversationID, userID); err != nil {
		return err
	}

	var promptTokens, completionTokens int64
	var cost float64
	err = tx.QueryRowContext(ctx,
		`SELECT prompt_tokens, completion_tokens, cost FROM messages WHERE id = $1 AND conversation_id = $2`,
		messageID, conversationID,
	).Scan(&promptTokens, &completionTokens, &cost)
	if errors.Is(err, sql.ErrNoRows) {
		return wferrors.Newf(wferrors.KindNotFound, messageID, "message not found: %s", messageID)
	}
	if err != nil {
		return wferrors.New(wferrors.KindTransient, messageID, fmt.Errorf("get message: %w", err))
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = $1 AND conversation_id = $2`, messageID, conversationID); err != nil {
		return wferrors.New(wferrors.KindTransient, messageID, fmt.Errorf("delete message: %w", err))
	}
	if err := decrementConversationCounters(ctx, tx, conversationID, promptTokens+completionTokens, cost); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return wferrors.New(wferrors.KindTransient, messageID, fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (s *PostgresStore) BulkDeleteMessages(ctx context.Context, conversationID, userID string, messageIDs []string) (int, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wferrors.New(wferrors.KindTransient, conversationID, fmt.Errorf("begin tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.lockConversationForOwner(ctx, tx, conversationID, userID); err != nil {
		return 0, err
	}

	var totalTokens int64
	var totalCost float64
	rows, err := tx.QueryContext(ctx,
		`SELECT prompt_tokens, completion_tokens, cost FROM messages WHERE conversation_id = $1 AND id = ANY($2)`,
		conversationID, pq.Array(messageIDs),
	)
	if err != nil {
		return 0, wferrors.New(wferrors.KindTransient, conversationID, fmt.Errorf("select messages: %w", err))
	}
	var count int
	for rows.Next() {
		var promptTokens, completionTokens int64
		var cost float64
		if err := rows.Scan(&promptTokens, &completionTokens, &cost); err != nil {
			rows.Close()
			return 0, wferrors.New(wferrors.KindInternal, conversationID, fmt.Errorf("scan message: %w", err))
		}
		totalTokens += promptTokens + completionTokens
		totalCost += cost
		count++
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, wferrors.New(wferrors.KindTransient, conversationID, fmt.Errorf("iterate messages: %w", err))
	}
	rows.Close()
	if count == 0 {
		return 0, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = $1 AND id = ANY($2)`,
		conversationID, pq.Array(messageIDs),
	); err != nil {
		return 0, wferrors.New(wferrors.KindTransient, conversationID, fmt.Errorf("delete messages: %w", err))
	}
	if err := decrementConversationCounters(ctx, tx, conversationID, totalTokens, totalCost); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, wferrors.New(wferrors.KindTransient, conversationID, fmt.Errorf("commit: %w", err))
	}
	return count, nil
}

// UpdateMessageRating folds rating into the message's running-mean
// RatingAverage/RatingCount (spec §8):
// rating ← (rating·count + new) / (count+1); count++.
func (s *PostgresStore) UpdateMessageRating(ctx context.Context, conversationID, messageID, userID string, rating float64) (*Message, error) {
	if rating < MinRating || rating > MaxRating {
		return nil, wferrors.New(wferrors.KindValidation, messageID, errors.New("rating out of range"))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wferrors.New(wferrors.KindTransient, conversationID, fmt.Errorf("begin tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.lockConversationForOwner(ctx, tx, conversationID, userID); err != nil {
		return nil, err
	}

	row := tx.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1 AND conversation_id = $2 FOR UPDATE`,
		messageID, conversationID,
	)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wferrors.Newf(wferrors.KindNotFound, messageID, "message not found: %s", messageID)
	}
	if err != nil {
		return nil, wferrors.New(wferrors.KindTransient, messageID, fmt.Errorf("lock message: %w", err))
	}

	msg.RatingAverage = (msg.RatingAverage*float64(msg.RatingCount) + rating) / float64(msg.RatingCount+1)
	msg.RatingCount++

	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET rating_average = $1, rating_count = $2 WHERE id = $3`,
		msg.RatingAverage, msg.RatingCount, messageID,
	); err != nil {
		return nil, wferrors.New(wferrors.KindTransient, messageID, fmt.Errorf("update rating: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return nil, wferrors.New(wferrors.KindTransient, messageID, fmt.Errorf("commit: %w", err))
	}
	return msg, nil
}

// lockConversationForOwner locks conversations' row for conversationID and
// fails with Authorization if it isn't owned by userID.
func (s *PostgresStore) lockConversationForOwner(ctx context.Context, tx *sql.Tx, conversationID, userID string) error {
	var ownerID string
	err := tx.QueryRowContext(ctx, `SELECT user_id FROM conversations WHERE id = $1 FOR UPDATE`, conversationID).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return wferrors.Newf(wferrors.KindNotFound, conversationID, "conversation not found: %s", conversationID)
	}
	if err != nil {
		return wferrors.New(wferrors.KindTransient, conversationID, fmt.Errorf("lock conversation: %w", err))
	}
	if ownerID != userID {
		return wferrors.Newf(wferrors.KindAuthorization, conversationID, "conversation %s does not belong to user", conversationID)
	}
	return nil
}

func decrementConversationCounters(ctx context.Context, tx *sql.Tx, conversationID string, tokens int64, cost float64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE conversations SET
			message_count = message_count - 1,
			total_tokens = total_tokens - $1,
			total_cost = total_cost - $2,
			updated_at = $3
		WHERE id = $4
	`, tokens, cost, time.Now(), conversationID)
	if err != nil {
		return wferrors.New(wferrors.KindTransient, conversationID, fmt.Errorf("update conversation counters: %w", err))
	}
	return nil
}

func unmarshalMetadata(data []byte, dst *map[string]any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return wferrors.New(wferrors.KindInternal, "", fmt.Errorf("unmarshal metadata: %w", err))
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
