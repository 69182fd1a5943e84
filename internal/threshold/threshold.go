// Package threshold serves the confidence threshold the gateway gates on.
package threshold

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/jmbish04/cfgate/internal/types"
)

// Key is the settings key the threshold is stored under.
const Key = "confidence_threshold"

// Default is used when no threshold has been stored.
const Default = 0.75

// Service reads and writes the threshold. Reads are cached for a short TTL,
// so a write by another process is visible within that window.
type Service struct {
	store      types.SettingsStore
	defaultVal float64
	ttl        time.Duration
	now        func() time.Time

	mu      sync.Mutex
	cached  float64
	fetched time.Time
	valid   bool
}

// New creates a Service. A defaultVal outside [0,1] falls back to Default.
func New(store types.SettingsStore, defaultVal float64, ttl time.Duration) *Service {
	if !inRange(defaultVal) {
		defaultVal = Default
	}
	return &Service{
		store:      store,
		defaultVal: defaultVal,
		ttl:        ttl,
		now:        time.Now,
	}
}

// Get returns the current threshold. A missing, unparseable or out-of-range
// stored value, or a store error, yields the default.
func (s *Service) Get(ctx context.Context) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.valid && s.ttl > 0 && s.now().Sub(s.fetched) < s.ttl {
		return s.cached
	}

	v := s.defaultVal
	raw, ok, err := s.store.GetSetting(ctx, Key)
	switch {
	case err != nil:
		slog.Warn("threshold read failed, using default", "default", s.defaultVal, "error", err)
		return v
	case ok:
		parsed, perr := strconv.ParseFloat(raw, 64)
		if perr == nil && inRange(parsed) {
			v = parsed
		} else {
			slog.Warn("ignoring invalid stored threshold", "value", raw)
		}
	}

	s.cached, s.fetched, s.valid = v, s.now(), true
	return v
}

// Set validates and stores v, refreshing the cache.
func (s *Service) Set(ctx context.Context, v float64) error {
	if !inRange(v) {
		return types.InvalidArgument("threshold must be within [0, 1], got %v", v)
	}
	if err := s.store.PutSetting(ctx, Key, strconv.FormatFloat(v, 'f', -1, 64)); err != nil {
		return fmt.Errorf("store threshold: %w", err)
	}

	s.mu.Lock()
	s.cached, s.fetched, s.valid = v, s.now(), true
	s.mu.Unlock()
	return nil
}

// Invalidate drops the cached value so the next Get reads the store.
func (s *Service) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.valid = false
}

func inRange(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}
