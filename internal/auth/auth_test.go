package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/whisper/relay/internal/identity"
)

func TestIssueAndVerify(t *testing.T) {
	req := require.New(t)
	svc := NewService("test-secret", time.Hour)

	token, err := svc.Issue(identity.Identity{UserID: "u1", Username: "alice"})
	req.NoError(err)

	id, err := svc.Verify(token)
	req.NoError(err)
	req.Equal(identity.Identity{UserID: "u1", Username: "alice"}, id)
}

func TestVerify_WrongSecret(t *testing.T) {
	req := require.New(t)

	token, err := NewService("secret-a", time.Hour).Issue(identity.Identity{UserID: "u1"})
	req.NoError(err)

	_, err = NewService("secret-b", time.Hour).Verify(token)
	req.ErrorIs(err, ErrInvalidCredential)
}

func TestVerify_Expired(t *testing.T) {
	req := require.New(t)
	svc := NewService("test-secret", time.Minute)
	issuedAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return issuedAt }

	token, err := svc.Issue(identity.Identity{UserID: "u1"})
	req.NoError(err)

	svc.now = func() time.Time { return issuedAt.Add(2 * time.Minute) }
	_, err = svc.Verify(token)
	req.ErrorIs(err, ErrInvalidCredential)
}

func TestVerify_RejectsNoneAlgorithm(t *testing.T) {
	req := require.New(t)
	claims := &Claims{UserID: "u1", RegisteredClaims: jwt.RegisteredClaims{Issuer: Issuer}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	req.NoError(err)

	_, err = NewService("test-secret", time.Hour).Verify(token)
	req.ErrorIs(err, ErrInvalidCredential)
}

func TestVerify_RequiresUserID(t *testing.T) {
	req := require.New(t)
	svc := NewService("test-secret", time.Hour)

	token, err := svc.Issue(identity.Identity{Username: "nobody"})
	req.NoError(err)

	_, err = svc.Verify(token)
	req.ErrorIs(err, ErrInvalidCredential)
}

func TestVerify_Garbage(t *testing.T) {
	_, err := NewService("test-secret", time.Hour).Verify("not-a-token")
	require.ErrorIs(t, err, ErrInvalidCredential)
}

func TestHashAndCompare(t *testing.T) {
	req := require.New(t)

	hash, err := HashPassword("correct horse")
	req.NoError(err)
	req.True(strings.HasPrefix(hash, "$2a$"))

	ok, err := ComparePassword(hash, "correct horse")
	req.NoError(err)
	req.True(ok)

	ok, err = ComparePassword(hash, "battery staple")
	req.NoError(err)
	req.False(ok)
}

func TestComparePassword_CorruptHash(t *testing.T) {
	_, err := ComparePassword("not-a-hash", "pw")
	require.Error(t, err)
}
