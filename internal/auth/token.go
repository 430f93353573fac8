// Package auth is the relay's Auth Service: it signs and verifies the session
// tokens handed out at login and checks account passwords.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/whisper/relay/internal/identity"
)

// Issuer is written into every token and required on verification.
const Issuer = "whisper-relay"

// ErrInvalidCredential is returned for tokens that fail signature, expiry or
// claim checks.
var ErrInvalidCredential = errors.New("auth: invalid credential")

// Claims is the token payload. The JSON names match what browser clients read
// back from /profile.
type Claims struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Service issues and verifies HS256 tokens.
type Service struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewService creates a Service signing with secret. Tokens expire after ttl;
// a zero ttl issues tokens without expiry.
func NewService(secret string, ttl time.Duration) *Service {
	return &Service{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a token for the given user.
func (s *Service) Issue(id identity.Identity) (string, error) {
	now := s.now()
	claims := &Claims{
		UserID:   id.UserID,
		Username: id.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  id.UserID,
			Issuer:   Issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if s.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Verify implements identity.Verifier.
func (s *Service) Verify(credential string) (identity.Identity, error) {
	token, err := jwt.ParseWithClaims(credential, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return identity.Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return identity.Identity{}, ErrInvalidCredential
	}
	return identity.Identity{UserID: claims.UserID, Username: claims.Username}, nil
}
