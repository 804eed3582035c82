package checkpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndLatest(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)

	require.NoError(t, store.Save(ctx, Checkpoint{
		SessionID: "s1", Step: 0, StepName: "collect",
		Context: map[string]any{"application_id": "app-1"},
	}))
	require.NoError(t, store.Save(ctx, Checkpoint{
		SessionID: "s1", Step: 1, StepName: "validate",
		Context: map[string]any{"application_id": "app-1", "documents_complete": true},
	}))

	cp, ok, err := store.Latest(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, cp.Step)
	assert.Equal(t, "validate", cp.StepName)
	assert.Equal(t, true, cp.Context["documents_complete"])
	assert.False(t, cp.TakenAt.IsZero())
}

func TestLatestMissingSession(t *testing.T) {
	store := NewMemoryStore(0)

	_, ok, err := store.Latest(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveRequiresSessionID(t *testing.T) {
	store := NewMemoryStore(0)
	assert.Error(t, store.Save(context.Background(), Checkpoint{Step: 1}))
}

func TestRingEviction(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(3)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Save(ctx, Checkpoint{SessionID: "s1", Step: i}))
	}

	cps, err := store.List(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, cps, 3)
	assert.Equal(t, 2, cps[0].Step)
	assert.Equal(t, 4, cps[2].Step)
}

func TestStoredContextIsIsolated(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)

	original := map[string]any{
		"applicant": map[string]any{"name": "Ada"},
		"documents": []any{"pay_stub"},
	}
	require.NoError(t, store.Save(ctx, Checkpoint{SessionID: "s1", Context: original}))

	// Mutating the caller's map after Save must not leak into the store.
	original["applicant"].(map[string]any)["name"] = "Mallory"
	original["documents"] = append(original["documents"].([]any), "forged")

	cp, ok, err := store.Latest(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Ada", cp.Context["applicant"].(map[string]any)["name"])
	assert.Len(t, cp.Context["documents"].([]any), 1)

	// And mutating the returned copy must not corrupt the stored one.
	cp.Context["applicant"].(map[string]any)["name"] = "Eve"
	again, _, err := store.Latest(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", again.Context["applicant"].(map[string]any)["name"])
}

func TestDrop(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)

	require.NoError(t, store.Save(ctx, Checkpoint{SessionID: "s1", Step: 0}))
	require.NoError(t, store.Drop(ctx, "s1"))

	_, ok, err := store.Latest(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCloneContextNil(t *testing.T) {
	assert.Nil(t, CloneContext(nil))
}
