package cassandra

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaychat-backend/internal/database"
	"relaychat-backend/internal/domain"
)

func testRepo(t *testing.T) *MessageRepository {
	t.Helper()
	hosts := os.Getenv("CASSANDRA_TEST_HOSTS")
	if hosts == "" {
		t.Skip("CASSANDRA_TEST_HOSTS not set")
	}
	keyspace := os.Getenv("CASSANDRA_TEST_KEYSPACE")
	if keyspace == "" {
		keyspace = "relaychat_test"
	}
	db, err := database.NewCassandraDB(&database.CassandraConfig{
		Hosts:    strings.Split(hosts, ","),
		Keyspace: keyspace,
		Timeout:  5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	for _, stmt := range Schema {
		require.NoError(t, db.Exec(context.Background(), stmt))
	}
	return NewMessageRepository(db)
}

func newMessage(conv, sender uuid.UUID) *domain.Message {
	return &domain.Message{
		MessageID:      uuid.New(),
		ConversationID: conv,
		SenderID:       sender,
		Type:           domain.MessageTypeText,
		Content:        json.RawMessage(`"hello"`),
		CreatedAt:      time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestAppendMessage_AssignsIncreasingSeq(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	conv, sender := uuid.New(), uuid.New()

	first := newMessage(conv, sender)
	second := newMessage(conv, sender)
	require.NoError(t, repo.AppendMessage(ctx, first))
	require.NoError(t, repo.AppendMessage(ctx, second))

	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(2), second.Seq)

	retry := *first
	retry.Seq = 0
	require.NoError(t, repo.AppendMessage(ctx, &retry))
	assert.Equal(t, int64(1), retry.Seq, "appending the same id again is a no-op")

	page, err := repo.GetMessagesPage(ctx, conv, 0, 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, second.MessageID, page[0].MessageID)
	assert.JSONEq(t, `"hello"`, string(page[0].Content))
}

func TestAppendMessage_ConcurrentWritersGetDistinctSeq(t *testing.T) {
	repo := testRepo(t)
	conv := uuid.New()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seqs = map[int64]bool{}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := newMessage(conv, uuid.New())
			if assert.NoError(t, repo.AppendMessage(context.Background(), msg)) {
				mu.Lock()
				seqs[msg.Seq] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seqs, 8)
}

func TestReadReceiptsAndTombstone(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	conv, sender, reader := uuid.New(), uuid.New(), uuid.New()

	msg := newMessage(conv, sender)
	require.NoError(t, repo.AppendMessage(ctx, msg))

	require.NoError(t, repo.AddReadReceipts(ctx, conv, reader, []uuid.UUID{msg.MessageID, uuid.New()}, time.Now()))
	got, err := repo.GetMessage(ctx, msg.MessageID)
	require.NoError(t, err)
	assert.True(t, got.HasReader(reader))
	assert.Equal(t, domain.MessageStatusRead, got.Status)

	require.NoError(t, repo.MarkDeleted(ctx, msg.MessageID, time.Now()))
	got, err = repo.GetMessage(ctx, msg.MessageID)
	require.NoError(t, err)
	assert.True(t, got.IsDeleted())
	assert.Empty(t, got.Content)

	_, err = repo.GetMessage(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)
}
