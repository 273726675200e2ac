package credential

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, subject string, expiresAt time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

func TestStatic(t *testing.T) {
	ctx := context.Background()

	_, err := Static("").Token(ctx)
	assert.ErrorIs(t, err, ErrNoCredentials)

	tok, err := Static(" opaque-token ").Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "opaque-token", tok)

	expired := signedToken(t, "42", time.Now().Add(-time.Hour))
	_, err = Static(expired).Token(ctx)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestFileProvider_SaveTokenInvalidate(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "auth", "token")
	p := NewFileProvider(path)

	_, err := p.Token(ctx)
	assert.ErrorIs(t, err, ErrNoCredentials)

	valid := signedToken(t, "user-7", time.Now().Add(time.Hour))
	require.NoError(t, p.Save(valid))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	tok, err := p.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, valid, tok)

	require.NoError(t, p.Invalidate())
	_, err = p.Token(ctx)
	assert.ErrorIs(t, err, ErrNoCredentials)

	// 重复删除不报错
	assert.NoError(t, p.Invalidate())
}

func TestFileProvider_ExpiredToken(t *testing.T) {
	p := NewFileProvider(filepath.Join(t.TempDir(), "token"))
	require.NoError(t, p.Save(signedToken(t, "u", time.Now().Add(time.Hour))))

	p.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err := p.Token(context.Background())
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestCheckExpiry_OpaqueToken(t *testing.T) {
	assert.NoError(t, CheckExpiry("not-a-jwt", time.Now()))
}
