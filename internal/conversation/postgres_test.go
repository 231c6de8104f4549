package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/nexus-workflow/internal/wferrors"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewPostgresStoreWithDB(db)
	require.NoError(t, err)
	return store, mock
}

func TestPostgresStore_GetConversation_NotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT id, user_id, title`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(nil))

	_, err := store.GetConversation(context.Background(), "missing", "user-1")
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

// expectAppendMessageLockAndAllocate sets up the two queries
// appendMessageOnce issues before inserting: a row lock on the parent
// conversation (never an aggregate, so FOR UPDATE is valid there) followed
// by a plain MAX(sequence_number) read.
func expectAppendMessageLockAndAllocate(mock sqlmock.Sqlmock, conversationID, ownerID string, nextSeq int64) {
	mock.ExpectQuery(`SELECT user_id FROM conversations WHERE id = \$1 FOR UPDATE`).
		WithArgs(conversationID).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(ownerID))
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(sequence_number\), 0\) \+ 1 FROM messages WHERE conversation_id = \$1`).
		WithArgs(conversationID).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(nextSeq))
}

func TestPostgresStore_AppendMessage_RetriesOnUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	expectAppendMessageLockAndAllocate(mock, "conv-1", "user-1", 1)
	mock.ExpectExec(`INSERT INTO messages`).
		WillReturnError(&pq.Error{Code: uniqueViolation})
	mock.ExpectRollback()

	mock.ExpectBegin()
	expectAppendMessageLockAndAllocate(mock, "conv-1", "user-1", 2)
	mock.ExpectExec(`INSERT INTO messages`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE conversations SET`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	msg := &Message{Role: RoleUser, Content: "hi", CreatedAt: time.Now()}
	err := store.AppendMessage(ctx, "conv-1", "user-1", msg)
	require.NoError(t, err)
	require.EqualValues(t, 2, msg.SequenceNumber)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendMessage_GivesUpAfterMaxRetries(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	for i := 0; i < MaxSequenceRetries; i++ {
		mock.ExpectBegin()
		expectAppendMessageLockAndAllocate(mock, "conv-1", "user-1", int64(i+1))
		mock.ExpectExec(`INSERT INTO messages`).
			WillReturnError(&pq.Error{Code: uniqueViolation})
		mock.ExpectRollback()
	}

	msg := &Message{Role: RoleUser, Content: "hi", CreatedAt: time.Now()}
	err := store.AppendMessage(ctx, "conv-1", "user-1", msg)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendMessage_OwnerMismatchFailsAuthorization(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT user_id FROM conversations WHERE id = \$1 FOR UPDATE`).
		WithArgs("conv-1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("owner"))
	mock.ExpectRollback()

	msg := &Message{Role: RoleUser, Content: "hi", CreatedAt: time.Now()}
	err := store.AppendMessage(ctx, "conv-1", "attacker", msg)
	require.Error(t, err)
	require.Equal(t, wferrors.KindAuthorization, wferrors.KindOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}
