// Package kv is the persistence boundary used by the threshold store and the
// production ledger. Implementations live in internal/db (sqlite) and
// internal/cache (redis); Memory is the in-process fake.
package kv

import (
	"context"
	"sync"
)

type Store interface {
	// Get returns ok=false when the key has never been written.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
}

// Batcher is implemented by stores that can write several keys atomically.
type Batcher interface {
	SetMany(ctx context.Context, pairs []Pair) error
}

type Pair struct {
	Key   string
	Value string
}

// DeviceKey scopes a key to one device.
func DeviceKey(deviceID, name string) string {
	return deviceID + ":" + name
}

// SetAll writes pairs atomically when s supports it, otherwise one by one in
// order, stopping at the first failure.
func SetAll(ctx context.Context, s Store, pairs []Pair) error {
	if b, ok := s.(Batcher); ok {
		return b.SetMany(ctx, pairs)
	}
	for _, p := range pairs {
		if err := s.Set(ctx, p.Key, p.Value); err != nil {
			return err
		}
	}
	return nil
}

type Memory struct {
	mu   sync.Mutex
	data map[string]string

	// FailSet, when non-nil, is returned by every write.
	FailSet error
}

func NewMemory() *Memory {
	return &Memory{data: map[string]string{}}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSet != nil {
		return m.FailSet
	}
	m.data[key] = value
	return nil
}

func (m *Memory) SetMany(_ context.Context, pairs []Pair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSet != nil {
		return m.FailSet
	}
	for _, p := range pairs {
		m.data[p.Key] = p.Value
	}
	return nil
}

func (m *Memory) SetFailure(err error) {
	m.mu.Lock()
	m.FailSet = err
	m.mu.Unlock()
}
