package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freestays/passguard/internal/domain"
	"github.com/freestays/passguard/internal/entitlement"
	"github.com/freestays/passguard/internal/repository"
)

func TestScheduler_Add(t *testing.T) {
	s := New(0)

	require.NoError(t, s.Add("noop", "@every 1h", func(context.Context) error { return nil }))
	assert.Error(t, s.Add("noop", "@every 1h", func(context.Context) error { return nil }), "duplicate name")
	assert.Error(t, s.Add("bad", "not a schedule", func(context.Context) error { return nil }))

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "noop", jobs[0].Name)
	assert.Equal(t, "@every 1h", jobs[0].Schedule)
}

func TestScheduler_RunNow(t *testing.T) {
	s := New(time.Second)
	ctx := context.Background()

	fail := errors.New("database down")
	var calls atomic.Int32
	require.NoError(t, s.Add("flaky", "@every 1h", func(context.Context) error {
		if calls.Add(1) == 1 {
			return fail
		}
		return nil
	}))

	assert.ErrorIs(t, s.RunNow(ctx, "flaky"), fail)
	st := s.Jobs()[0]
	assert.Equal(t, int64(1), st.Runs)
	assert.Equal(t, int64(1), st.Errors)
	assert.Equal(t, "database down", st.LastError)

	require.NoError(t, s.RunNow(ctx, "flaky"))
	st = s.Jobs()[0]
	assert.Equal(t, int64(2), st.Runs)
	assert.Equal(t, int64(1), st.Errors)
	assert.Empty(t, st.LastError)
	assert.False(t, st.LastRun.IsZero())

	assert.Error(t, s.RunNow(ctx, "missing"))
}

func TestScheduler_RunsOnSchedule(t *testing.T) {
	s := New(time.Second)

	ran := make(chan struct{}, 10)
	require.NoError(t, s.Add("tick", "@every 1s", func(context.Context) error {
		ran <- struct{}{}
		return nil
	}))

	s.Start()
	defer s.Stop()

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not run on schedule")
	}
	assert.False(t, s.Jobs()[0].NextRun.IsZero())
}

func TestExpirePassesJob(t *testing.T) {
	ctx := context.Background()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "scheduler-test.db"),
	})
	require.NoError(t, err)
	defer repo.Close()

	issuedAt := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	ledger := entitlement.NewLedger(repo, entitlement.WithClock(func() time.Time { return issuedAt }))
	_, err = ledger.IssuePass(ctx, "acct-1", domain.PassAnnual, "pi_1", "admin-1")
	require.NoError(t, err)

	s := New(time.Second)
	later := issuedAt.AddDate(0, 0, 400)
	require.NoError(t, s.Add(JobExpirePasses, "@every 1h", ExpirePasses(ledger, func() time.Time { return later })))
	require.NoError(t, s.RunNow(ctx, JobExpirePasses))

	passes, err := ledger.ListPasses(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, passes, 1)
	assert.Equal(t, domain.PassExpired, passes[0].Status)
}
