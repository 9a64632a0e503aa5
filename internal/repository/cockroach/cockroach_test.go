package cockroach

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaychat-backend/internal/domain"
)

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("COCKROACH_TEST_DSN")
	if dsn == "" {
		t.Skip("COCKROACH_TEST_DSN not set")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(context.Background(), Schema)
	require.NoError(t, err)
	return pool
}

func TestConversationRepository_MembersOf(t *testing.T) {
	pool := testPool(t)
	repo := NewConversationRepository(pool)
	ctx := context.Background()

	conv, admin, member := uuid.New(), uuid.New(), uuid.New()
	_, err := pool.Exec(ctx,
		`INSERT INTO conversation_participants (conversation_id, user_id, role, joined_at) VALUES ($1, $2, 'admin', $4), ($1, $3, 'member', $5)`,
		conv, admin, member, time.Now().Add(-time.Minute), time.Now())
	require.NoError(t, err)

	members, err := repo.MembersOf(ctx, conv)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, admin, members[0].UserID)
	assert.Equal(t, domain.RoleAdmin, members[0].Role)

	ok, err := repo.IsParticipant(ctx, conv, member)
	require.NoError(t, err)
	assert.True(t, ok)

	empty, err := repo.MembersOf(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestCallRepository_SaveAndList(t *testing.T) {
	repo := NewCallRepository(testPool(t))
	ctx := context.Background()

	caller, callee := uuid.New(), uuid.New()
	now := time.Now().UTC().Truncate(time.Millisecond)
	session := domain.NewCallSession(caller, callee, uuid.New(), now)
	require.NoError(t, session.Answer(now.Add(2*time.Second)))
	require.NoError(t, session.End(now.Add(62*time.Second), domain.CallOutcomeEnded, 61))

	require.NoError(t, repo.SaveCall(ctx, session))
	require.NoError(t, repo.SaveCall(ctx, session), "saving twice is an upsert")

	calls, err := repo.GetUserCalls(ctx, callee, 10, 0)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, session.CallID, calls[0].CallID)
	assert.Equal(t, domain.CallOutcomeEnded, calls[0].Outcome)
	assert.Equal(t, 61, calls[0].ReportedDuration)
	require.NotNil(t, calls[0].ConnectedAt)
}
