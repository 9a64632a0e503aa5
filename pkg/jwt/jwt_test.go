package jwt

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestIssueAndValidate(t *testing.T) {
	manager := NewJWTManager("test-secret", "relaychat-auth", "relaychat-realtime")
	userID := uuid.New()

	token, err := manager.Issue(userID, "alice", "user", 15*time.Minute)
	assert.NoError(t, err)
	assert.NotEmpty(t, token)

	claims, err := manager.ValidateToken(token)
	assert.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, "user", claims.Role)
	assert.Equal(t, "relaychat-auth", claims.Issuer)
	assert.Equal(t, userID.String(), claims.Subject)
}

func TestValidateToken_Expired(t *testing.T) {
	manager := NewJWTManager("test-secret", "relaychat-auth", "")
	token, err := manager.Issue(uuid.New(), "alice", "user", time.Nanosecond)
	assert.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	claims, err := manager.ValidateToken(token)
	assert.Error(t, err)
	assert.Nil(t, claims)
	assert.Contains(t, err.Error(), "expired")
}

func TestValidateToken_Garbage(t *testing.T) {
	manager := NewJWTManager("test-secret", "", "")

	claims, err := manager.ValidateToken("invalid.token.here")
	assert.Error(t, err)
	assert.Nil(t, claims)
}

func TestValidateToken_WrongSecret(t *testing.T) {
	token, err := NewJWTManager("secret-1", "", "").Issue(uuid.New(), "alice", "user", time.Minute)
	assert.NoError(t, err)

	claims, err := NewJWTManager("secret-2", "", "").ValidateToken(token)
	assert.Error(t, err)
	assert.Nil(t, claims)
}

func TestValidateToken_WrongAudience(t *testing.T) {
	token, err := NewJWTManager("s", "relaychat-auth", "other-api").Issue(uuid.New(), "alice", "user", time.Minute)
	assert.NoError(t, err)

	_, err = NewJWTManager("s", "relaychat-auth", "relaychat-realtime").ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateToken_MissingUserID(t *testing.T) {
	manager := NewJWTManager("s", "", "")
	token, err := manager.Issue(uuid.Nil, "ghost", "user", time.Minute)
	assert.NoError(t, err)

	_, err = manager.ValidateToken(token)
	assert.Error(t, err)
}
