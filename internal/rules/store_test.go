package rules

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freestays/passguard/internal/domain"
	"github.com/freestays/passguard/internal/repository"
)

func newTestStore(t *testing.T) (*Store, *repository.SQLRepository) {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "rules-test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	store, err := NewStore(context.Background(), repo, time.Hour)
	require.NoError(t, err)
	return store, repo
}

func TestStore_UpsertRule(t *testing.T) {
	store, repo := newTestStore(t)
	ctx := context.Background()

	assert.Equal(t, 0, store.Snapshot().Len())

	saved, err := store.UpsertRule(ctx, rule("vel", domain.RuleVelocity, 5, 0), "admin-1")
	require.NoError(t, err)
	assert.False(t, saved.UpdatedAt.IsZero())

	snap := store.Snapshot()
	require.Equal(t, 1, snap.Len())
	assert.Equal(t, time.Hour, snap.Rules()[0].Window())

	trail, err := repo.AuditTrail(ctx, "rule", "vel")
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, domain.ActionRuleUpserted, trail[0].Action)
	assert.Equal(t, "admin-1", trail[0].Actor)
}

func TestStore_Validation(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*domain.FraudRule)
	}{
		{"missing id", func(r *domain.FraudRule) { r.ID = " " }},
		{"missing name", func(r *domain.FraudRule) { r.Name = "" }},
		{"unknown type", func(r *domain.FraudRule) { r.Type = "chargeback" }},
		{"unknown severity", func(r *domain.FraudRule) { r.Severity = "urgent" }},
		{"zero threshold", func(r *domain.FraudRule) { r.Params.Threshold = 0 }},
		{"negative window", func(r *domain.FraudRule) { r.Params.WindowSecs = -1 }},
		{"bad condition", func(r *domain.FraudRule) { r.Condition = "amount >" }},
		{"non bool condition", func(r *domain.FraudRule) { r.Condition = "amount * 2.0" }},
		{"unknown variable", func(r *domain.FraudRule) { r.Condition = `tenant == "x"` }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := rule("r1", domain.RuleVelocity, 3, 60)
			tt.mutate(&r)
			_, err := store.UpsertRule(ctx, r, "admin")
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}

	assert.Equal(t, 0, store.Snapshot().Len())
}

func TestStore_SnapshotOrderedAndImmutable(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		_, err := store.UpsertRule(ctx, rule(id, domain.RuleAmountThreshold, 100, 0), "admin")
		require.NoError(t, err)
	}

	before := store.Snapshot()
	enabled := store.ListEnabledRules()
	require.Len(t, enabled, 3)
	assert.Equal(t, "a", enabled[0].ID)
	assert.Equal(t, "b", enabled[1].ID)
	assert.Equal(t, "c", enabled[2].ID)

	_, err := store.SetEnabled(ctx, "b", false, "admin")
	require.NoError(t, err)

	assert.Equal(t, 3, before.Len(), "held snapshot must not change")
	assert.Equal(t, 2, store.Snapshot().Len())

	all, err := store.ListRules(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStore_SetEnabled(t *testing.T) {
	store, repo := newTestStore(t)
	ctx := context.Background()

	_, err := store.SetEnabled(ctx, "missing", true, "admin")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = store.UpsertRule(ctx, rule("r1", domain.RuleRefundAbuse, 3, 0), "admin")
	require.NoError(t, err)

	r, err := store.SetEnabled(ctx, "r1", false, "admin-2")
	require.NoError(t, err)
	assert.False(t, r.Enabled)
	assert.Equal(t, 0, store.Snapshot().Len())

	// No-op toggles are not audited.
	_, err = store.SetEnabled(ctx, "r1", false, "admin-2")
	require.NoError(t, err)

	r, err = store.SetEnabled(ctx, "r1", true, "admin-2")
	require.NoError(t, err)
	assert.True(t, r.Enabled)
	assert.Equal(t, 1, store.Snapshot().Len())

	trail, err := repo.AuditTrail(ctx, "rule", "r1")
	require.NoError(t, err)
	require.Len(t, trail, 3)
	assert.Equal(t, domain.ActionRuleDisabled, trail[1].Action)
	assert.Equal(t, domain.ActionRuleEnabled, trail[2].Action)
}

func TestStore_Reload(t *testing.T) {
	store, repo := newTestStore(t)
	ctx := context.Background()

	r := rule("external", domain.RuleVelocity, 4, 600)
	r.UpdatedAt = time.Now().UTC()
	require.NoError(t, repo.SaveRule(ctx, &r))
	assert.Equal(t, 0, store.Snapshot().Len())

	require.NoError(t, store.Reload(ctx))
	assert.Equal(t, 1, store.Snapshot().Len())
}

func TestStore_SeedDefaults(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	n, err := store.SeedDefaults(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(DefaultRules()), n)
	assert.Equal(t, n, store.Snapshot().Len())

	n, err = store.SeedDefaults(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	covered := map[domain.RuleType]bool{}
	for _, r := range DefaultRules() {
		covered[r.Type] = true
	}
	for _, typ := range domain.AllRuleTypes() {
		assert.True(t, covered[typ], "no default rule for %s", typ)
	}
}
