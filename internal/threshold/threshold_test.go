package threshold

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmbish04/cfgate/internal/state"
	"github.com/jmbish04/cfgate/internal/types"
)

func newStore(t *testing.T) *state.SettingsStore {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "cfgate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return state.NewSettingsStore(db)
}

type brokenStore struct{}

func (brokenStore) GetSetting(context.Context, string) (string, bool, error) {
	return "", false, errors.New("database is locked")
}

func (brokenStore) PutSetting(context.Context, string, string) error {
	return errors.New("database is locked")
}

func TestGetDefaultWhenUnset(t *testing.T) {
	svc := New(newStore(t), Default, 0)
	assert.Equal(t, 0.75, svc.Get(context.Background()))
}

func TestSetThenGet(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	svc := New(store, Default, 0)

	require.NoError(t, svc.Set(ctx, 0.8))
	assert.Equal(t, 0.8, svc.Get(ctx))

	raw, ok, err := store.GetSetting(ctx, Key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "0.8", raw)
}

func TestSetValidation(t *testing.T) {
	svc := New(newStore(t), Default, 0)
	for _, v := range []float64{-0.1, 1.01, math.NaN()} {
		err := svc.Set(context.Background(), v)
		assert.ErrorIs(t, err, types.ErrInvalidArgument, "value %v", v)
	}
}

func TestGetFallsBackOnStoreError(t *testing.T) {
	svc := New(brokenStore{}, 0.6, time.Minute)
	assert.Equal(t, 0.6, svc.Get(context.Background()))
	assert.Error(t, svc.Set(context.Background(), 0.7))
}

func TestGetIgnoresInvalidStoredValue(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.PutSetting(ctx, Key, "not-a-number"))

	svc := New(store, Default, 0)
	assert.Equal(t, Default, svc.Get(ctx))

	require.NoError(t, store.PutSetting(ctx, Key, "7"))
	assert.Equal(t, Default, svc.Get(ctx))
}

func TestCacheHonoursTTL(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	svc := New(store, Default, time.Minute)
	clock := time.Now()
	svc.now = func() time.Time { return clock }

	assert.Equal(t, Default, svc.Get(ctx))

	// A write from elsewhere is not seen until the TTL lapses.
	require.NoError(t, store.PutSetting(ctx, Key, "0.9"))
	assert.Equal(t, Default, svc.Get(ctx))

	clock = clock.Add(2 * time.Minute)
	assert.Equal(t, 0.9, svc.Get(ctx))

	require.NoError(t, store.PutSetting(ctx, Key, "0.55"))
	svc.Invalidate()
	assert.Equal(t, 0.55, svc.Get(ctx))
}
