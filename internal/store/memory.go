// Package store provides rate history backends answering "latest observation
// on or before a date" queries.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"cloud.google.com/go/civil"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/mortgage-refi-engine/internal/model"
	"github.com/yourorg/mortgage-refi-engine/internal/validation"
)

// seriesFile is the JSON layout accepted by LoadFile
type seriesFile struct {
	Series []model.RateSeries `json:"series"`
}

// MemoryStore keeps date-sorted series per index in memory
type MemoryStore struct {
	mu     sync.RWMutex
	series map[string][]model.RatePoint
	opts   validation.SeriesOptions
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		series: make(map[string][]model.RatePoint),
		opts:   validation.DefaultSeriesOptions(),
	}
}

// LoadFile creates a store from a JSON file of the form
// {"series": [{"index": "...", "points": [{"date": "YYYY-MM-DD", "value": 6.1}]}]}
func LoadFile(path string) (*MemoryStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rate history file: %w", err)
	}

	var file seriesFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rate history file %s: %w", path, err)
	}

	s := NewMemoryStore()
	for _, series := range file.Series {
		if series.Index == "" {
			return nil, fmt.Errorf("rate history file %s: series without index", path)
		}
		s.Put(series.Index, series.Points)
	}

	logrus.WithFields(logrus.Fields{
		"path":    path,
		"indices": len(file.Series),
	}).Info("Loaded rate history")
	return s, nil
}

// Put merges observations into an index. Implausible observations are dropped.
func (s *MemoryStore) Put(index string, points []model.RatePoint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := append(append([]model.RatePoint(nil), s.series[index]...), points...)
	s.series[index] = validation.FilterSeries(merged, s.opts)
}

// Series returns a copy of the observations of an index
func (s *MemoryStore) Series(index string) []model.RatePoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.RatePoint(nil), s.series[index]...)
}

// Indices returns the names of all stored indices, sorted
func (s *MemoryStore) Indices() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.series))
	for name := range s.series {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LatestAtOrBefore implements ratehistory.Lookup
func (s *MemoryStore) LatestAtOrBefore(ctx context.Context, index string, date civil.Date) (model.RatePoint, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.RatePoint{}, false, err
	}

	s.mu.RLock()
	points := s.series[index]
	s.mu.RUnlock()

	// first observation strictly after date
	i := sort.Search(len(points), func(i int) bool {
		return points[i].Date.After(date)
	})
	if i == 0 {
		return model.RatePoint{}, false, nil
	}
	return points[i-1], true, nil
}
