package thresholds

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"plantwatch/internal/kv"
	"plantwatch/internal/metrics"
	"plantwatch/internal/models"
)

const storageKey = "thresholds"

// Store owns the active threshold set. Readers always see either the previous
// or the newly committed set, never a mix of both.
type Store struct {
	commitMu sync.Mutex // serializes merge, validate and swap

	mu      sync.RWMutex
	current models.ThresholdSet
	persist kv.Store
	log     *slog.Logger
}

func NewStore(defaults models.ThresholdSet, persist kv.Store, logger *slog.Logger) *Store {
	return &Store{current: defaults.Clone(), persist: persist, log: logger}
}

// Load replaces the defaults with a previously committed set, if one was
// stored and still validates.
func (s *Store) Load(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	raw, ok, err := s.persist.Get(ctx, storageKey)
	if err != nil {
		return fmt.Errorf("read thresholds: %w", err)
	}
	if !ok {
		return nil
	}
	var stored models.ThresholdSet
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		s.log.Warn("ignoring unreadable stored thresholds", "err", err)
		return nil
	}
	set := s.merge(stored)
	if err := Validate(set); err != nil {
		s.log.Warn("ignoring invalid stored thresholds", "err", err)
		return nil
	}
	s.mu.Lock()
	s.current = set
	s.mu.Unlock()
	s.log.Info("thresholds restored", "metrics", len(set))
	return nil
}

func (s *Store) Get(m models.Metric) (models.Threshold, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.current[m]
	return t.Clone(), ok
}

func (s *Store) Snapshot() models.ThresholdSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// ProposeUpdate validates a single edit against the current values of the
// other fields of the same metric. Nothing is applied.
func (s *Store) ProposeUpdate(m models.Metric, f Field, raw string) (float64, error) {
	errs := newValidationError()
	if !m.Valid() {
		errs.Fields[string(m)] = "unknown metric"
		return 0, errs
	}
	v, err := ParseValue(raw)
	if err != nil {
		errs.add(m, f, err.Error())
		return 0, errs
	}
	candidate, _ := s.Get(m)
	setField(&candidate, f, v)
	validateThreshold(m, candidate, errs)
	if msg, bad := errs.Fields[fieldKey(m, f)]; bad {
		return 0, &ValidationError{Fields: map[string]string{fieldKey(m, f): msg}}
	}
	return v, nil
}

// merge lays set over the current thresholds. Metrics absent from set keep
// their current bounds.
func (s *Store) merge(set models.ThresholdSet) models.ThresholdSet {
	next := s.Snapshot()
	for m, t := range set {
		next[m] = t.Clone()
	}
	return next
}

// Commit applies set over the current thresholds and swaps in the result, or
// rejects it wholesale. A metric left out of set keeps its current bounds; a
// metric present in set replaces them entirely.
func (s *Store) Commit(ctx context.Context, set models.ThresholdSet) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	next := s.merge(set)
	if err := Validate(next); err != nil {
		return err
	}
	s.mu.Lock()
	s.current = next
	s.mu.Unlock()

	if s.persist == nil {
		return nil
	}
	b, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode thresholds: %w", err)
	}
	if err := s.persist.Set(ctx, storageKey, string(b)); err != nil {
		metrics.PersistenceErrors.WithLabelValues("thresholds").Inc()
		s.log.Error("persist thresholds", "err", err)
	}
	return nil
}
