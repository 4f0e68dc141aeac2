package dht

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitcraps/bitcraps/pkg/types"
)

func TestStorePutGet(t *testing.T) {
	s := NewStore()
	var key types.Hash256
	key[0] = 1
	require.NoError(t, s.Put(key, []byte("hello"), false))

	v, ok := s.Get(key)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), v)
}

func TestStoreRejectsOversizedValue(t *testing.T) {
	s := NewStore()
	var key types.Hash256
	big := make([]byte, MaxValueSize+1)
	err := s.Put(key, big, false)
	assert.Error(t, err)
}

func TestStoreExpire(t *testing.T) {
	s := NewStore()
	var key types.Hash256
	key[0] = 2
	require.NoError(t, s.Put(key, []byte("v"), false))
	s.mu.Lock()
	entry := s.values[key]
	entry.expiresAt = time.Now().Add(-time.Minute)
	s.values[key] = entry
	s.mu.Unlock()

	removed := s.Expire()
	assert.Equal(t, 1, removed)
	_, ok := s.Get(key)
	assert.False(t, ok)
}

func TestStoreOwnedKeys(t *testing.T) {
	s := NewStore()
	var ownedKey, otherKey types.Hash256
	ownedKey[0] = 3
	otherKey[0] = 4
	require.NoError(t, s.Put(ownedKey, []byte("mine"), true))
	require.NoError(t, s.Put(otherKey, []byte("theirs"), false))

	owned := s.OwnedKeys()
	require.Len(t, owned, 1)
	assert.Equal(t, ownedKey, owned[0])
}

func TestStoreSaveLoadSkipsExpired(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dht-store.json")
	s := NewStore()
	var live, dead types.Hash256
	live[0], dead[0] = 1, 2
	require.NoError(t, s.Put(live, []byte("keep"), true))
	require.NoError(t, s.Put(dead, []byte("drop"), false))

	// age the second entry past its TTL before snapshotting
	s.mu.Lock()
	v := s.values[dead]
	v.expiresAt = time.Now().Add(-time.Minute)
	s.values[dead] = v
	s.mu.Unlock()

	require.NoError(t, s.SaveTo(path))

	restored := NewStore()
	require.NoError(t, restored.LoadFrom(path))
	got, ok := restored.Get(live)
	require.True(t, ok)
	assert.Equal(t, []byte("keep"), got)
	_, ok = restored.Get(dead)
	assert.False(t, ok)
	assert.Equal(t, []types.Hash256{live}, restored.OwnedKeys())

	// a missing snapshot is not an error
	fresh := NewStore()
	require.NoError(t, fresh.LoadFrom(filepath.Join(t.TempDir(), "absent.json")))
	assert.Equal(t, 0, fresh.Len())
}
