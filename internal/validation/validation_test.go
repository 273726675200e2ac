package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"djidji-uploader/internal/config"
	"djidji-uploader/internal/model"
)

func profile(t *testing.T, r *Registry, name string) Profile {
	t.Helper()
	p, ok := r.Get(name)
	require.True(t, ok, "profile %s", name)
	return p
}

func TestAudioProfile(t *testing.T) {
	p := profile(t, NewRegistry(nil), ProfileAudio)

	res := p.Validate(model.FileInfo{Name: "song.MP3", Size: 5 * mb, Type: "audio/mpeg"})
	assert.True(t, res.Valid)
	assert.Empty(t, res.Errors)
	assert.Empty(t, res.Warnings)

	res = p.Validate(model.FileInfo{Name: "video.mov", Size: 5 * mb, Type: "video/quicktime"})
	assert.False(t, res.Valid)
	assert.Equal(t, []string{MsgUnsupportedFormat}, res.Errors)

	res = p.Validate(model.FileInfo{Name: "long.wav", Size: 60 * mb})
	assert.True(t, res.Valid)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "60 MiB")

	res = p.Validate(model.FileInfo{Name: "huge.flac", Size: 101 * mb})
	assert.False(t, res.Valid)
	assert.Equal(t, []string{"El archivo excede el tamaño máximo permitido (100 MB)"}, res.Errors)
}

func TestSongProfile_SizeCeiling(t *testing.T) {
	p := profile(t, NewRegistry(nil), ProfileSong)

	res := p.Validate(model.FileInfo{Name: "big.wav", Size: 25 * mb})
	assert.False(t, res.Valid)
	assert.Equal(t, []string{"El archivo excede el tamaño máximo permitido (20 MB)"}, res.Errors)

	res = p.Validate(model.FileInfo{Name: "take.webm", Size: mb})
	assert.False(t, res.Valid, "webm is audio-only")
}

func TestCoverProfile_ChecksMIME(t *testing.T) {
	p := profile(t, NewRegistry(nil), ProfileCover)

	assert.True(t, p.Validate(model.FileInfo{Name: "cover.jpg", Size: 1024, Type: "image/jpeg"}).Valid)
	assert.False(t, p.Validate(model.FileInfo{Name: "cover.png", Size: 1024, Type: "image/gif"}).Valid)
	assert.False(t, p.Validate(model.FileInfo{Name: "cover.webp", Size: 3 * mb, Type: "image/webp"}).Valid)
}

func TestEmptyFile(t *testing.T) {
	p := profile(t, NewRegistry(nil), ProfileAudio)
	res := p.Validate(model.FileInfo{Name: "silence.mp3", Size: 0})
	assert.False(t, res.Valid)
	assert.Equal(t, []string{MsgEmptyFile}, res.Errors)
}

func TestRegistry_Overrides(t *testing.T) {
	r := NewRegistry(map[string]config.ProfileConfig{
		"song":    {Extensions: []string{".MP3"}, MaxSizeMB: 30},
		"podcast": {Extensions: []string{"mp3", "m4a"}, MaxSizeMB: 500},
	})

	song := profile(t, r, ProfileSong)
	assert.Equal(t, []string{"mp3"}, song.Extensions)
	assert.True(t, song.Validate(model.FileInfo{Name: "big.mp3", Size: 25 * mb}).Valid)
	assert.False(t, song.Validate(model.FileInfo{Name: "a.wav", Size: mb}).Valid)

	podcast := profile(t, r, "podcast")
	assert.True(t, podcast.Validate(model.FileInfo{Name: "ep1.m4a", Size: 400 * mb}).Valid)

	assert.Equal(t, []string{"audio", "cover", "podcast", "song"}, r.Names())
}
