package dht

import (
	"encoding/json"
	"os"
	"time"

	"github.com/bitcraps/bitcraps/pkg/bcerr"
	"github.com/bitcraps/bitcraps/pkg/types"
)

// persistedValue is the on-disk JSON form of one store entry.
type persistedValue struct {
	Key       types.Hash256 `json:"key"`
	Value     []byte        `json:"value"`
	ExpiresAt int64         `json:"expires_at_unix"`
	Ours      bool          `json:"ours"`
}

// SaveTo writes a snapshot of all unexpired entries to path, replacing
// any prior snapshot atomically via a rename.
func (s *Store) SaveTo(path string) error {
	s.mu.RLock()
	now := time.Now()
	snapshot := make([]persistedValue, 0, len(s.values))
	for k, v := range s.values {
		if now.After(v.expiresAt) {
			continue
		}
		snapshot = append(snapshot, persistedValue{
			Key:       k,
			Value:     v.value,
			ExpiresAt: v.expiresAt.Unix(),
			Ours:      v.ours,
		})
	}
	s.mu.RUnlock()

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return bcerr.New(bcerr.KindResource, "dht.Store.SaveTo", err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "\t")
	if err := enc.Encode(snapshot); err != nil {
		f.Close()
		os.Remove(tmp)
		return bcerr.New(bcerr.KindResource, "dht.Store.SaveTo", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return bcerr.New(bcerr.KindResource, "dht.Store.SaveTo", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return bcerr.New(bcerr.KindResource, "dht.Store.SaveTo", err)
	}
	return nil
}

// LoadFrom merges a prior snapshot into the store, skipping entries
// that expired while the node was down. A missing file is not an
// error: a fresh node simply starts empty.
func (s *Store) LoadFrom(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return bcerr.New(bcerr.KindResource, "dht.Store.LoadFrom", err)
	}
	defer f.Close()

	var snapshot []persistedValue
	if err := json.NewDecoder(f).Decode(&snapshot); err != nil {
		return bcerr.New(bcerr.KindResource, "dht.Store.LoadFrom", err)
	}

	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pv := range snapshot {
		expires := time.Unix(pv.ExpiresAt, 0)
		if now.After(expires) {
			continue
		}
		s.values[pv.Key] = storedValue{value: pv.Value, expiresAt: expires, ours: pv.Ours}
	}
	return nil
}
