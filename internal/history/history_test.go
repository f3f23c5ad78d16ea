package history

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freestays/passguard/internal/domain"
	"github.com/freestays/passguard/internal/repository"
)

// seed stores four payment attempts for acct-1, ten minutes apart and
// ending at now, plus a login by acct-2 from the same device.
func seed(t *testing.T, now time.Time) *repository.SQLRepository {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "history.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, repo.SaveEvent(ctx, &domain.Event{
			ID:                fmt.Sprintf("evt-%d", i),
			Kind:              domain.EventPaymentAttempt,
			AccountID:         "acct-1",
			OccurredAt:        now.Add(-time.Duration(i) * 10 * time.Minute),
			DeviceFingerprint: "fp-1",
		}))
	}
	require.NoError(t, repo.SaveEvent(ctx, &domain.Event{
		ID:                "evt-login",
		Kind:              domain.EventLogin,
		AccountID:         "acct-2",
		OccurredAt:        now.Add(-40 * time.Minute),
		DeviceFingerprint: "fp-1",
	}))
	return repo
}

func TestReader(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	repo := seed(t, now)

	t.Run("AccountHistoryIsBoundedNewestFirst", func(t *testing.T) {
		events, err := NewReader(repo, 3).AccountHistory(ctx, "acct-1", now.Add(-time.Hour))
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, "evt-0", events[0].ID)
		assert.Equal(t, "evt-2", events[2].ID)
	})

	t.Run("UnknownAccount", func(t *testing.T) {
		events, err := NewReader(repo, 0).AccountHistory(ctx, "acct-9", now.Add(-time.Hour))
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("DeviceHistorySpansAccounts", func(t *testing.T) {
		events, err := NewReader(repo, 0).DeviceHistory(ctx, "fp-1", now.Add(-time.Hour))
		require.NoError(t, err)
		assert.Len(t, events, 5)
	})

	t.Run("Count", func(t *testing.T) {
		r := NewReader(repo, 0)
		tests := []struct {
			name   string
			kind   domain.EventKind
			window time.Duration
			want   int
		}{
			{"PaymentsIn25m", domain.EventPaymentAttempt, 25 * time.Minute, 3},
			{"AnyKindIn35m", "", 35 * time.Minute, 4},
			{"NoLogins", domain.EventLogin, time.Hour, 0},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				n, err := r.Count(ctx, "acct-1", tt.kind, tt.window, now)
				require.NoError(t, err)
				assert.Equal(t, tt.want, n)
			})
		}
	})

	t.Run("KeysRequired", func(t *testing.T) {
		r := NewReader(repo, 0)
		_, err := r.AccountHistory(ctx, "", now)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
		_, err = r.DeviceHistory(ctx, "", now)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}
