package subscriptions

import (
	"context"
	"testing"
	"time"

	"github.com/SanteonNL/orca/subscriptionengine/lib/criteria"
	"github.com/stretchr/testify/require"
)

func TestMemoryRegistry(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	newSubscription := func(id string, status Status) Subscription {
		return Subscription{
			ID:             id,
			Criteria:       criteria.MustParse("Observation?code=82313006"),
			Channel:        ChannelSpec{Type: ChannelTypeRestHook, Endpoint: "http://example.com", Headers: []string{"A: b"}},
			Status:         status,
			LastScanMarker: t0,
		}
	}

	t.Run("create assigns ID and default status", func(t *testing.T) {
		registry := NewMemoryRegistry()

		created, err := registry.Create(ctx, Subscription{Criteria: criteria.MustParse("Observation")})

		require.NoError(t, err)
		require.NotEmpty(t, created.ID)
		require.Equal(t, StatusRequested, created.Status)
	})
	t.Run("create with existing ID fails", func(t *testing.T) {
		registry := NewMemoryRegistry()
		_, err := registry.Create(ctx, newSubscription("S1", StatusActive))
		require.NoError(t, err)

		_, err = registry.Create(ctx, newSubscription("S1", StatusActive))

		require.EqualError(t, err, "subscription already exists: S1")
	})
	t.Run("list active only returns active subscriptions", func(t *testing.T) {
		registry := NewMemoryRegistry()
		for id, status := range map[string]Status{"1": StatusActive, "2": StatusRequested, "3": StatusError, "4": StatusOff, "5": StatusActive} {
			_, err := registry.Create(ctx, newSubscription(id, status))
			require.NoError(t, err)
		}

		active, err := registry.ListActive(ctx)

		require.NoError(t, err)
		require.Len(t, active, 2)
		require.Equal(t, "1", active[0].ID)
		require.Equal(t, "5", active[1].ID)
	})
	t.Run("snapshot is not affected by later changes", func(t *testing.T) {
		registry := NewMemoryRegistry()
		_, _ = registry.Create(ctx, newSubscription("S1", StatusActive))
		snapshot, _ := registry.ListActive(ctx)

		require.NoError(t, registry.SetStatus(ctx, "S1", StatusOff))
		snapshot[0].Channel.Headers[0] = "changed"

		require.Equal(t, StatusActive, snapshot[0].Status)
		stored, _ := registry.Get(ctx, "S1")
		require.Equal(t, StatusOff, stored.Status)
		require.Equal(t, []string{"A: b"}, stored.Channel.Headers)
	})
	t.Run("marker never decreases", func(t *testing.T) {
		registry := NewMemoryRegistry()
		_, _ = registry.Create(ctx, newSubscription("S1", StatusActive))

		require.NoError(t, registry.AdvanceMarker(ctx, "S1", t0.Add(time.Minute), []string{"Observation/1"}))
		require.NoError(t, registry.AdvanceMarker(ctx, "S1", t0.Add(time.Second), []string{"Observation/0"}))

		stored, _ := registry.Get(ctx, "S1")
		require.Equal(t, t0.Add(time.Minute), stored.LastScanMarker)
		require.Equal(t, []string{"Observation/1"}, stored.ScanBoundary)
	})
	t.Run("scan boundary is replaced at the same marker", func(t *testing.T) {
		registry := NewMemoryRegistry()
		_, _ = registry.Create(ctx, newSubscription("S1", StatusActive))
		boundary := []string{"Observation/1"}
		require.NoError(t, registry.AdvanceMarker(ctx, "S1", t0.Add(time.Minute), boundary))

		require.NoError(t, registry.AdvanceMarker(ctx, "S1", t0.Add(time.Minute), []string{"Observation/1", "Observation/2"}))
		boundary[0] = "changed"

		stored, _ := registry.Get(ctx, "S1")
		require.Equal(t, []string{"Observation/1", "Observation/2"}, stored.ScanBoundary)
	})
	t.Run("failures escalate at threshold", func(t *testing.T) {
		registry := NewMemoryRegistry()
		_, _ = registry.Create(ctx, newSubscription("S1", StatusActive))

		escalated, _ := registry.RecordFailure(ctx, "S1", "first", 3)
		require.False(t, escalated)
		escalated, _ = registry.RecordFailure(ctx, "S1", "second", 3)
		require.False(t, escalated)
		escalated, _ = registry.RecordFailure(ctx, "S1", "third", 3)
		require.True(t, escalated)

		stored, _ := registry.Get(ctx, "S1")
		require.Equal(t, StatusError, stored.Status)
		require.Equal(t, "third", stored.Error)
		require.Equal(t, 3, stored.FailureCount)

		t.Run("failures of non-active subscriptions are not counted", func(t *testing.T) {
			escalated, err := registry.RecordFailure(ctx, "S1", "fourth", 3)
			require.NoError(t, err)
			require.False(t, escalated)
			stored, _ := registry.Get(ctx, "S1")
			require.Equal(t, 3, stored.FailureCount)
		})
		t.Run("reactivation resets failures", func(t *testing.T) {
			require.NoError(t, registry.SetStatus(ctx, "S1", StatusActive))
			stored, _ := registry.Get(ctx, "S1")
			require.Equal(t, 0, stored.FailureCount)
			require.Empty(t, stored.Error)
		})
	})
	t.Run("success resets failure count", func(t *testing.T) {
		registry := NewMemoryRegistry()
		_, _ = registry.Create(ctx, newSubscription("S1", StatusActive))
		_, _ = registry.RecordFailure(ctx, "S1", "failed", 3)
		_, _ = registry.RecordFailure(ctx, "S1", "failed", 3)

		require.NoError(t, registry.RecordSuccess(ctx, "S1"))
		escalated, _ := registry.RecordFailure(ctx, "S1", "failed", 3)

		require.False(t, escalated)
	})
	t.Run("threshold 0 never escalates", func(t *testing.T) {
		registry := NewMemoryRegistry()
		_, _ = registry.Create(ctx, newSubscription("S1", StatusActive))
		for i := 0; i < 10; i++ {
			escalated, _ := registry.RecordFailure(ctx, "S1", "failed", 0)
			require.False(t, escalated)
		}
	})
	t.Run("mutations on deleted subscription are no-ops", func(t *testing.T) {
		registry := NewMemoryRegistry()
		_, _ = registry.Create(ctx, newSubscription("S1", StatusActive))
		require.NoError(t, registry.Delete(ctx, "S1"))

		require.NoError(t, registry.AdvanceMarker(ctx, "S1", t0.Add(time.Hour), nil))
		escalated, err := registry.RecordFailure(ctx, "S1", "failed", 1)
		require.NoError(t, err)
		require.False(t, escalated)
		require.NoError(t, registry.RecordSuccess(ctx, "S1"))
		require.NoError(t, registry.SetStatus(ctx, "S1", StatusActive))

		_, err = registry.Get(ctx, "S1")
		require.ErrorIs(t, err, ErrNotFound)
		all, _ := registry.List(ctx)
		require.Empty(t, all)
	})
	t.Run("set invalid status", func(t *testing.T) {
		err := NewMemoryRegistry().SetStatus(ctx, "S1", "foo")
		require.EqualError(t, err, "invalid subscription status: foo")
	})
	t.Run("update", func(t *testing.T) {
		registry := NewMemoryRegistry()
		_, _ = registry.Create(ctx, newSubscription("S1", StatusActive))
		_, _ = registry.RecordFailure(ctx, "S1", "failed", 3)

		t.Run("keeps scan state if status is unchanged", func(t *testing.T) {
			update := newSubscription("S1", StatusActive)
			update.Criteria = criteria.MustParse("Patient")
			update.LastScanMarker = time.Time{}

			updated, err := registry.Update(ctx, update)

			require.NoError(t, err)
			require.Equal(t, "Patient", updated.Criteria.ResourceType)
			require.Equal(t, t0, updated.LastScanMarker)
			require.Equal(t, 1, updated.FailureCount)
		})
		t.Run("status change resets failures", func(t *testing.T) {
			updated, err := registry.Update(ctx, newSubscription("S1", StatusOff))

			require.NoError(t, err)
			require.Equal(t, StatusOff, updated.Status)
			require.Equal(t, 0, updated.FailureCount)
		})
		t.Run("not found", func(t *testing.T) {
			_, err := registry.Update(ctx, newSubscription("other", StatusActive))
			require.ErrorIs(t, err, ErrNotFound)
		})
	})
	t.Run("delete not found", func(t *testing.T) {
		err := NewMemoryRegistry().Delete(ctx, "S1")
		require.ErrorIs(t, err, ErrNotFound)
	})
}
