package guard

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryRecords keeps admission records in a process-local TTL cache.
type MemoryRecords struct {
	cache     *cache.Cache
	retention time.Duration
}

// NewMemoryRecords creates a record store whose entries expire after retention.
func NewMemoryRecords(retention time.Duration) *MemoryRecords {
	return &MemoryRecords{
		cache:     cache.New(retention, 10*time.Minute),
		retention: retention,
	}
}

func (m *MemoryRecords) Get(_ context.Context, key string) (Record, bool, error) {
	v, found := m.cache.Get(key)
	if !found {
		return Record{}, false, nil
	}
	return v.(Record), true, nil
}

func (m *MemoryRecords) Put(_ context.Context, key string, rec Record) error {
	m.cache.Set(key, rec, m.retention)
	return nil
}
