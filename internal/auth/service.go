package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

var ErrInvalidToken = errors.New("invalid token")

type Service interface {
	IssueToken(accountID uuid.UUID, isAdmin bool) (string, error)
	ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error)
	// VerifyBotKey checks the shared key the chat bot presents on /session.
	VerifyBotKey(key string) bool
}

type service struct {
	secret     []byte
	ttl        time.Duration
	botKeyHash []byte
	now        func() time.Time
}

// NewService builds the token service. botKeyHash is a bcrypt hash; an empty
// hash rejects every bot key.
func NewService(secret string, ttl time.Duration, botKeyHash string) *service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &service{secret: []byte(secret), ttl: ttl, botKeyHash: []byte(botKeyHash), now: time.Now}
}

// Ensure service implements Service at compile time.
var _ Service = (*service)(nil)

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

func (s *service) IssueToken(accountID uuid.UUID, isAdmin bool) (string, error) {
	role := RoleUser
	if isAdmin {
		role = RoleAdmin
	}
	now := s.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Role: role,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

func (s *service) ValidateToken(_ context.Context, token string) (uuid.UUID, string, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return uuid.Nil, "", ErrInvalidToken
	}
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	return id, c.Role, nil
}

func (s *service) VerifyBotKey(key string) bool {
	if len(s.botKeyHash) == 0 || key == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(s.botKeyHash, []byte(key)) == nil
}
