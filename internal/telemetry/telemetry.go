// Package telemetry records routing decisions and re-tunes the confidence
// threshold from their rolling outcomes.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jmbish04/cfgate/internal/types"
)

// Threshold is the scalar the tuner reads and overwrites.
type Threshold interface {
	Get(ctx context.Context) float64
	Set(ctx context.Context, v float64) error
}

// Config holds the auto-tune parameters. Step should stay small relative to
// Max-Min so repeated runs settle instead of oscillating.
type Config struct {
	WindowDays        int
	TargetSuccessRate float64
	NearMissMargin    float64
	NearMissFraction  float64
	MinSamples        int
	Step              float64
	Min               float64
	Max               float64
}

// DefaultConfig returns the tuning parameters used when none are configured.
func DefaultConfig() Config {
	return Config{
		WindowDays:        7,
		TargetSuccessRate: 0.9,
		NearMissMargin:    0.1,
		NearMissFraction:  0.3,
		MinSamples:        20,
		Step:              0.02,
		Min:               0.5,
		Max:               0.95,
	}
}

// TuneResult describes one auto-tune run.
type TuneResult struct {
	Previous float64             `json:"previous"`
	Current  float64             `json:"current"`
	Changed  bool                `json:"changed"`
	Reason   string              `json:"reason"`
	Stats    *types.RollingStats `json:"stats"`
}

// Service is the telemetry recorder and auto-tuner.
type Service struct {
	store     types.TelemetryStore
	threshold Threshold
	cfg       Config
	now       func() time.Time
	group     singleflight.Group
}

// New creates a Service.
func New(store types.TelemetryStore, threshold Threshold, cfg Config) *Service {
	return &Service{
		store:     store,
		threshold: threshold,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Log appends record. Failures are logged and swallowed so they never fail
// the request being recorded.
func (s *Service) Log(ctx context.Context, record *types.TelemetryRecord) {
	if record.Timestamp.IsZero() {
		record.Timestamp = s.now()
	}
	if err := s.store.Append(ctx, record); err != nil {
		slog.Warn("telemetry write failed",
			"product", record.Product,
			"result_status", string(record.ResultStatus),
			"error", err)
	}
}

// Recent returns up to limit records, newest first.
func (s *Service) Recent(ctx context.Context, limit int) ([]*types.TelemetryRecord, error) {
	return s.store.Recent(ctx, limit)
}

// RollingStats aggregates coached records from the last windowDays days
// against the current threshold. A zero windowDays uses the configured one.
func (s *Service) RollingStats(ctx context.Context, windowDays int) (*types.RollingStats, error) {
	return s.stats(ctx, windowDays, s.threshold.Get(ctx))
}

func (s *Service) stats(ctx context.Context, windowDays int, threshold float64) (*types.RollingStats, error) {
	if windowDays <= 0 {
		windowDays = s.cfg.WindowDays
	}
	since := s.now().AddDate(0, 0, -windowDays)
	counts, err := s.store.Aggregate(ctx, since, threshold-s.cfg.NearMissMargin, threshold)
	if err != nil {
		return nil, fmt.Errorf("rolling stats: %w", err)
	}

	stats := &types.RollingStats{
		WindowDays:             windowDays,
		Threshold:              threshold,
		Total:                  counts.Total,
		AcceptedCount:          counts.Accepted,
		ClarifiedCount:         counts.Clarified,
		ClarifiedNearMissCount: counts.ClarifiedNearMiss,
	}
	if counts.Accepted > 0 {
		stats.AcceptedSuccessRate = float64(counts.AcceptedSucceeded) / float64(counts.Accepted)
	}
	if counts.Clarified > 0 {
		stats.NearMissFraction = float64(counts.ClarifiedNearMiss) / float64(counts.Clarified)
	}
	// Near misses are assumed to succeed at the accepted rate, the rest to fail.
	stats.ClarifiedWouldHaveSucceededRate = stats.NearMissFraction * stats.AcceptedSuccessRate
	return stats, nil
}

// AutoTune recomputes the threshold from rolling stats. Concurrent calls
// share a single run. The write is a plain overwrite, so a manual edit racing
// a run may be lost.
func (s *Service) AutoTune(ctx context.Context) (*TuneResult, error) {
	v, err, _ := s.group.Do("autotune", func() (any, error) {
		return s.autoTune(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*TuneResult), nil
}

func (s *Service) autoTune(ctx context.Context) (*TuneResult, error) {
	if inv, ok := s.threshold.(interface{ Invalidate() }); ok {
		inv.Invalidate()
	}
	current := s.threshold.Get(ctx)
	stats, err := s.stats(ctx, s.cfg.WindowDays, current)
	if err != nil {
		return nil, err
	}

	res := &TuneResult{Previous: current, Current: current, Stats: stats}
	next := current
	switch {
	case stats.AcceptedCount < s.cfg.MinSamples:
		res.Reason = fmt.Sprintf("insufficient samples (%d < %d)", stats.AcceptedCount, s.cfg.MinSamples)
	case stats.AcceptedSuccessRate < s.cfg.TargetSuccessRate:
		next = current + s.cfg.Step
		res.Reason = "accepted success rate below target"
	case stats.NearMissFraction >= s.cfg.NearMissFraction:
		next = current - s.cfg.Step
		res.Reason = "too many near-miss clarifications"
	default:
		res.Reason = "within target"
	}

	if next != current {
		next = round4(clamp(next, s.cfg.Min, s.cfg.Max))
	}
	if next == current {
		slog.Info("auto-tune left threshold unchanged", "threshold", current, "reason", res.Reason)
		return res, nil
	}

	if err := s.threshold.Set(ctx, next); err != nil {
		return nil, fmt.Errorf("write threshold: %w", err)
	}
	res.Current, res.Changed = next, true
	slog.Info("auto-tune adjusted threshold",
		"previous", current,
		"current", next,
		"reason", res.Reason,
		"accepted_success_rate", stats.AcceptedSuccessRate,
		"near_miss_fraction", stats.NearMissFraction)
	return res, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
