package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dkeye/Televisit/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "televisit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestActivateThenComplete(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	require.NoError(t, s.Activate(ctx, "s1"))
	require.NoError(t, s.Activate(ctx, "s1"))

	rec, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, rec.Status)
	assert.Nil(t, rec.EndedAt)
	assert.WithinDuration(t, time.Now(), rec.StartedAt, time.Minute)

	ended := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.Complete(ctx, domain.SessionSummary{
		SessionID: "s1", EndedAt: ended, FinalQualityTier: domain.QualityGood,
	}))

	rec, err = s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	require.NotNil(t, rec.EndedAt)
	assert.True(t, ended.Equal(*rec.EndedAt))
	assert.Equal(t, domain.QualityGood, rec.FinalQualityTier)
}

func TestFirstCompletionWins(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	require.NoError(t, s.Activate(ctx, "s1"))

	first := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.Complete(ctx, domain.SessionSummary{SessionID: "s1", EndedAt: first, FinalQualityTier: domain.QualityExcellent}))
	require.NoError(t, s.Complete(ctx, domain.SessionSummary{SessionID: "s1", EndedAt: first.Add(time.Second), FinalQualityTier: domain.QualityPoor}))

	rec, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.QualityExcellent, rec.FinalQualityTier)
	assert.True(t, first.Equal(*rec.EndedAt))
}

func TestCompleteUnknownSession(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	ended := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.Complete(ctx, domain.SessionSummary{SessionID: "late", EndedAt: ended, FinalQualityTier: domain.QualityFair}))

	rec, err := s.Get(ctx, "late")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.True(t, ended.Equal(rec.StartedAt))
}

func TestGetMissing(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Error(t, s.Complete(context.Background(), domain.SessionSummary{}))
}
