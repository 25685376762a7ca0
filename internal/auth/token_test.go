package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Call/internal/domain"
)

func TestIssuerVerifierRoundTrip(t *testing.T) {
	iss, err := NewIssuer("s3cret", domain.User{ID: "u-1", Name: "alice"}, time.Minute)
	require.NoError(t, err)

	tok, err := iss.Token(context.Background())
	require.NoError(t, err)

	user, err := NewVerifier("s3cret").Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("u-1"), user.ID)
	assert.Equal(t, "alice", user.Name)
}

func TestVerifierRejects(t *testing.T) {
	iss, err := NewIssuer("s3cret", domain.User{ID: "u-1", Name: "alice"}, time.Minute)
	require.NoError(t, err)
	tok, err := iss.Token(context.Background())
	require.NoError(t, err)

	_, err = NewVerifier("other").Verify(tok)
	assert.ErrorIs(t, err, ErrBadToken)

	_, err = NewVerifier("s3cret").Verify("")
	assert.ErrorIs(t, err, ErrNoCredential)

	expired, err := NewIssuer("s3cret", domain.User{ID: "u-1", Name: "alice"}, time.Minute)
	require.NoError(t, err)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	old, err := expired.Token(context.Background())
	require.NoError(t, err)
	_, err = NewVerifier("s3cret").Verify(old)
	assert.ErrorIs(t, err, ErrBadToken)
}

func TestStaticToken(t *testing.T) {
	_, err := StaticToken("").Token(context.Background())
	assert.ErrorIs(t, err, ErrNoCredential)

	tok, err := StaticToken("abc").Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)
}
