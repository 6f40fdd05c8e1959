package identity

import (
	"context"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

func TestParseToken(t *testing.T) {
	tok := signedToken(t, jwt.MapClaims{"sub": "user-123", "email": "fan@example.com"})

	sess, err := ParseToken(tok)
	require.NoError(t, err)
	require.Equal(t, "user-123", sess.UserID)
	require.Equal(t, "fan@example.com", sess.Email)
	require.Equal(t, tok, sess.AccessToken)
}

func TestParseToken_Invalid(t *testing.T) {
	_, err := ParseToken("not-a-jwt")
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = ParseToken(signedToken(t, jwt.MapClaims{"email": "nobody@example.com"}))
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestStatic_SignOutNotifies(t *testing.T) {
	p, err := NewStatic(signedToken(t, jwt.MapClaims{"sub": "u1"}))
	require.NoError(t, err)

	sess, err := p.Current(context.Background())
	require.NoError(t, err)
	require.Equal(t, "u1", sess.UserID)

	var notified []*Session
	unsubscribe := p.Subscribe(func(s *Session) { notified = append(notified, s) })
	require.NoError(t, p.SignOut(context.Background()))
	require.Len(t, notified, 1)
	require.Nil(t, notified[0])

	sess, err = p.Current(context.Background())
	require.NoError(t, err)
	require.Nil(t, sess)

	// signing out twice does not notify again
	unsubscribe()
	require.NoError(t, p.SignOut(context.Background()))
	require.Len(t, notified, 1)
}

func TestStatic_EmptyToken(t *testing.T) {
	p, err := NewStatic("")
	require.NoError(t, err)
	sess, err := p.Current(context.Background())
	require.NoError(t, err)
	require.Nil(t, sess)
}
