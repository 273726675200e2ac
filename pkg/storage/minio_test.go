package storage

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresignPut(t *testing.T) {
	p, err := NewPresigner(PresignerConfig{
		Endpoint:        "127.0.0.1:9000",
		AccessKeyID:     "access",
		SecretAccessKey: "secret",
		Bucket:          "uploads",
	})
	require.NoError(t, err)

	raw, err := p.PresignPut(context.Background(), "u1/song.mp3", 15*time.Minute)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "http", u.Scheme)
	assert.Equal(t, "/uploads/u1/song.mp3", u.Path)
	assert.NotEmpty(t, u.Query().Get("X-Amz-Signature"))
	assert.Equal(t, "900", u.Query().Get("X-Amz-Expires"))
}
