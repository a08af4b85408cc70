package kv

import (
	"context"
	"errors"
	"testing"
)

// sequential hides Memory's SetMany so SetAll takes the ordered path.
type sequential struct{ m *Memory }

func (s sequential) Get(ctx context.Context, key string) (string, bool, error) {
	return s.m.Get(ctx, key)
}

func (s sequential) Set(ctx context.Context, key, value string) error {
	if key == "b" {
		return errors.New("disk full")
	}
	return s.m.Set(ctx, key, value)
}

func TestSetAllStopsAtFirstFailureWithoutBatcher(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	err := SetAll(ctx, sequential{m}, []Pair{{"a", "1"}, {"b", "2"}, {"c", "3"}})
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok, _ := m.Get(ctx, "a"); !ok {
		t.Fatal("first pair should be written")
	}
	if _, ok, _ := m.Get(ctx, "c"); ok {
		t.Fatal("pairs after the failure must not be written")
	}
}

func TestMemorySetManyFailureWritesNothing(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.SetFailure(errors.New("boom"))
	if err := SetAll(ctx, m, []Pair{{"a", "1"}}); err == nil {
		t.Fatal("expected error")
	}
	if _, ok, _ := m.Get(ctx, "a"); ok {
		t.Fatal("failed batch wrote data")
	}
}
