package dht

import (
	"sync"
	"time"

	"code.cloudfoundry.org/bytefmt"

	"github.com/bitcraps/bitcraps/internal/bclog"
	"github.com/bitcraps/bitcraps/pkg/bcerr"
	"github.com/bitcraps/bitcraps/pkg/types"
)

// MaxValueSize is the ceiling on a single stored value.
const MaxValueSize = 64 * 1024

// ValueTTL is how long a stored value lives before expiring absent a
// republish.
const ValueTTL = 24 * time.Hour

// RepublishInterval is how often a node that originally published a
// value re-announces it to keep it alive.
const RepublishInterval = time.Hour

type storedValue struct {
	value     []byte
	expiresAt time.Time
	ours      bool // true if this node originally published it (republish owner)
}

// Store is the local node's slice of the DHT's distributed key/value
// store: every node holds entries it is a replica for, each expiring
// 24h after last (re)publish.
type Store struct {
	mu     sync.RWMutex
	values map[types.Hash256]storedValue
	log    bclog.Logger
}

// NewStore builds an empty KV store.
func NewStore() *Store {
	return &Store{values: make(map[types.Hash256]storedValue), log: bclog.NewNop()}
}

// SetLogger attaches a structured logger for store size reporting; a
// freshly built Store otherwise logs nothing.
func (s *Store) SetLogger(log bclog.Logger) {
	if log == nil {
		log = bclog.NewNop()
	}
	s.mu.Lock()
	s.log = log
	s.mu.Unlock()
}

// Put stores a value under key, extending its TTL. ours marks whether
// the local node is the original publisher (and therefore responsible
// for periodic republish).
func (s *Store) Put(key types.Hash256, value []byte, ours bool) error {
	if len(value) > MaxValueSize {
		return bcerr.New(bcerr.KindValidation, "dht.Store.Put", bcerr.ErrValueTooLarge)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]byte{}, value...)
	s.values[key] = storedValue{value: cp, expiresAt: time.Now().Add(ValueTTL), ours: ours}
	s.log.Debugw("dht store put", "key", key, "size", bytefmt.ByteSize(uint64(len(cp))), "ours", ours)
	return nil
}

// Get returns the value for key if present and unexpired.
func (s *Store) Get(key types.Hash256) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok || time.Now().After(v.expiresAt) {
		return nil, false
	}
	return append([]byte{}, v.value...), true
}

// Expire drops all values past their TTL; callers run this
// periodically.
func (s *Store) Expire() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	removed := 0
	for k, v := range s.values {
		if now.After(v.expiresAt) {
			delete(s.values, k)
			removed++
		}
	}
	return removed
}

// OwnedKeys returns the keys this node must republish, for the
// caller's hourly republish sweep.
func (s *Store) OwnedKeys() []types.Hash256 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []types.Hash256
	for k, v := range s.values {
		if v.ours {
			keys = append(keys, k)
		}
	}
	return keys
}

// Len returns the number of live (unexpired-as-of-last-check) entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}
