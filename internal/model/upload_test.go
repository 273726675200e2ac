package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_Transitions(t *testing.T) {
	assert.True(t, StatusPending.CanTransition(StatusUploading))
	assert.True(t, StatusPending.CanTransition(StatusError))
	assert.True(t, StatusPending.CanTransition(StatusCancelled))
	assert.False(t, StatusPending.CanTransition(StatusCompleted))

	assert.True(t, StatusUploading.CanTransition(StatusCompleted))
	assert.False(t, StatusUploading.CanTransition(StatusPending))

	for _, s := range []Status{StatusCompleted, StatusError, StatusCancelled} {
		assert.True(t, s.IsTerminal())
		for _, next := range []Status{StatusPending, StatusUploading, StatusCompleted, StatusError, StatusCancelled} {
			assert.False(t, s.CanTransition(next), "%s -> %s", s, next)
		}
	}
}

func TestQuotaSnapshot_WithAdded(t *testing.T) {
	q := QuotaSnapshot{Used: 40, Total: 100, Remaining: 60, Percentage: 40}

	next := q.WithAdded(10)
	assert.EqualValues(t, 50, next.Used)
	assert.EqualValues(t, 50, next.Remaining)
	assert.InDelta(t, 50.0, next.Percentage, 0.001)
	assert.EqualValues(t, 40, q.Used)

	over := q.WithAdded(200)
	assert.EqualValues(t, 0, over.Remaining)
	assert.InDelta(t, 100.0, over.Percentage, 0.001)

	assert.Zero(t, Percentage(10, 0))
}

func TestNewUploadRecord(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.Local)
	finished := started.Add(time.Minute)
	rec := NewUploadRecord("studio", UploadSession{
		ID:          "s1",
		ServerID:    "u1",
		File:        FileInfo{Name: "song.mp3", Size: 5, Type: "audio/mpeg"},
		Status:      StatusError,
		Error:       "boom",
		FailedStage: StageConfirm,
		StartedAt:   started,
		FinishedAt:  &finished,
	})

	assert.Equal(t, "studio", rec.Agent)
	assert.Equal(t, StageConfirm, rec.Stage)
	require.NotNil(t, rec.FinishedAt)

	data, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"startedAt":"2026-01-02 03:04:05"`)

	var back UploadRecord
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, started.Unix(), time.Time(back.StartedAt).Unix())
}
