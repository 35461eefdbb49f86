package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestIssueAndValidate(t *testing.T) {
	svc := NewService("test-secret", time.Hour, "")
	id := uuid.New()

	tok, err := svc.IssueToken(id, true)
	require.NoError(t, err)

	gotID, role, err := svc.ValidateToken(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, id, gotID)
	assert.Equal(t, RoleAdmin, role)
}

func TestValidateToken_Rejects(t *testing.T) {
	svc := NewService("test-secret", time.Hour, "")
	other := NewService("other-secret", time.Hour, "")
	id := uuid.New()

	foreign, err := other.IssueToken(id, false)
	require.NoError(t, err)

	expiredSvc := NewService("test-secret", time.Hour, "")
	expiredSvc.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := expiredSvc.IssueToken(id, false)
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: id.String()})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"wrong secret": foreign,
		"expired":      expired,
		"alg none":     unsigned,
		"garbage":      "not.a.jwt",
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := svc.ValidateToken(context.Background(), tok)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestVerifyBotKey(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("bot-key"), bcrypt.MinCost)
	require.NoError(t, err)

	svc := NewService("s", time.Hour, string(hash))
	assert.True(t, svc.VerifyBotKey("bot-key"))
	assert.False(t, svc.VerifyBotKey("other"))
	assert.False(t, svc.VerifyBotKey(""))

	assert.False(t, NewService("s", time.Hour, "").VerifyBotKey("bot-key"))
}
