package seeder

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/tutor-gateway/internal/auth"
)

type memStore struct {
	byHash    map[string]*auth.APIKey
	createErr error
}

func (m *memStore) GetByKey(ctx context.Context, key string) (*auth.APIKey, error) {
	if k, ok := m.byHash[auth.HashKey(key)]; ok {
		return k, nil
	}
	return nil, auth.ErrKeyNotFound
}

func (m *memStore) Create(ctx context.Context, k *auth.APIKey) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.byHash[k.KeyHash] = k
	return nil
}

func TestSeedDemoKey(t *testing.T) {
	store := &memStore{byHash: map[string]*auth.APIKey{}}

	require.NoError(t, SeedDemoKey(context.Background(), store))
	require.NoError(t, SeedDemoKey(context.Background(), store))

	assert.Len(t, store.byHash, 1)
	k, err := store.GetByKey(context.Background(), DemoAPIKey)
	require.NoError(t, err)
	assert.Equal(t, DemoUserID, k.UserID)
	assert.True(t, k.Active)
}

func TestSeedDemoKey_CreateFails(t *testing.T) {
	store := &memStore{byHash: map[string]*auth.APIKey{}, createErr: errors.New("db down")}
	assert.Error(t, SeedDemoKey(context.Background(), store))
}
