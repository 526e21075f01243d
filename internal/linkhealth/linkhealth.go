package linkhealth

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/VividCortex/ewma"

	"github.com/tachyon-dl/downloader/internal/downloaderr"
	"github.com/tachyon-dl/downloader/internal/netdisk"
)

// ScoringParams are the tunable coefficients the design notes explicitly leaves
// to the implementer (URL-score blend weights, detector thresholds). These
// defaults are recorded in the design notes.
type ScoringParams struct {
	ShortWindowK       int
	PenaltyForbidden   float64
	PenaltyTimeout     float64
	PenaltyTransient   float64
	RecoveryPerSuccess float64
	FMax               int

	// Speed-anomaly detector (1): fraction of recent peak throughput below
	// which, while slots are full, a refresh is requested.
	SpeedAnomalyAlpha float64
	SpeedWindow       time.Duration

	// Worker-stall detector (2): zero bytes for this long while the
	// connection is alive trips a refresh.
	StallTimeout time.Duration

	// Periodic-ceiling detector (3): forced rotation cadence.
	MaxURLAge time.Duration

	// MinRefreshInterval debounces the soft detectors (speed anomaly,
	// periodic ceiling) so a flapping signal can't re-trigger a refresh
	// faster than a resolve can actually complete.
	MinRefreshInterval time.Duration
}

func DefaultScoringParams() ScoringParams {
	return ScoringParams{
		ShortWindowK:       8,
		PenaltyForbidden:   40,
		PenaltyTimeout:     20,
		PenaltyTransient:   8,
		RecoveryPerSuccess: 2,
		FMax:               5,
		SpeedAnomalyAlpha:  0.5,
		SpeedWindow:        10 * time.Second,
		StallTimeout:       15 * time.Second,
		MaxURLAge:          30 * time.Minute,
		MinRefreshInterval: 30 * time.Second,
	}
}

// entry is one candidate URL's tracked state: score, decay, failure
// streak, and the short/long speed signals used to decide freshness.
type entry struct {
	url                 string
	score               float64
	decay               float64
	consecutiveFailures int
	lastFailure         time.Time
	issuedAt            time.Time

	shortWindow []float64 // recent bytes/sec samples, newest last
	long        ewma.MovingAverage
	peakSpeed   float64
}

func newEntry(url string) *entry {
	return &entry{
		url:      url,
		score:    100,
		issuedAt: time.Now(),
		long:     ewma.NewMovingAverage(30),
	}
}

func (e *entry) recordSample(bytesInWindow int64, elapsed time.Duration, params ScoringParams) {
	if elapsed <= 0 {
		return
	}
	speed := float64(bytesInWindow) / elapsed.Seconds()

	e.shortWindow = append(e.shortWindow, speed)
	if len(e.shortWindow) > params.ShortWindowK {
		e.shortWindow = e.shortWindow[len(e.shortWindow)-params.ShortWindowK:]
	}
	e.long.Add(speed)
	if speed > e.peakSpeed {
		e.peakSpeed = speed
	}

	if bytesInWindow > 0 {
		e.decay = math.Max(0, e.decay-params.RecoveryPerSuccess)
		e.score = 100 - e.decay
		e.consecutiveFailures = 0
	}
}

func (e *entry) shortMedian() float64 {
	if len(e.shortWindow) == 0 {
		return 0
	}
	sorted := append([]float64(nil), e.shortWindow...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// blendedSpeed weights short-term behavior over the long-term EWMA, the
// "blend weighted toward recent behavior" calls for.
func (e *entry) blendedSpeed() float64 {
	return 0.7*e.shortMedian() + 0.3*e.long.Value()
}

func (e *entry) recordFailure(kind downloaderr.Kind, params ScoringParams) {
	var penalty float64
	switch kind {
	case downloaderr.KindLinkPoisoned, downloaderr.KindAuth:
		penalty = params.PenaltyForbidden
	case downloaderr.KindTransport:
		penalty = params.PenaltyTimeout
	default:
		penalty = params.PenaltyTransient
	}
	e.decay = math.Min(100, e.decay+penalty)
	e.score = 100 - e.decay
	e.consecutiveFailures++
	e.lastFailure = time.Now()
}

// State is one file's LinkState: its candidate URLs and refresh flag.
type State struct {
	mu              sync.Mutex
	entries         []*entry
	needsRefresh    bool
	lastRefreshedAt time.Time // last resolve of any kind; the periodic ceiling counts from here
	lastRotatedAt   time.Time // last resolve that answered a refresh request; arms the debounce
	lastActivityAt  time.Time
	peakThroughput  float64
}

// Registry holds per-file link state and resolves fresh URLs through a
// Provider when needed.
type Registry struct {
	mu       sync.Mutex
	states   map[string]*State
	provider *Provider
	logger   *slog.Logger
	params   ScoringParams
}

func NewRegistry(provider *Provider, logger *slog.Logger, params ScoringParams) *Registry {
	return &Registry{
		states:   make(map[string]*State),
		provider: provider,
		logger:   logger,
		params:   params,
	}
}

func (r *Registry) stateFor(taskID string) *State {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[taskID]
	if !ok {
		s = &State{}
		r.states[taskID] = s
	}
	return s
}

// Drop removes a task's LinkState entirely, called on task deletion.
func (r *Registry) Drop(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, taskID)
}

// StallTimeout exposes the configured worker-stall threshold so a Chunk
// Worker can decide when a quiet connection should be reported.
func (r *Registry) StallTimeout() time.Duration {
	return r.params.StallTimeout
}

// GetActive returns the current active URL for taskID, resolving a fresh
// one if there is no candidate yet or a refresh has been requested.
func (r *Registry) GetActive(ctx context.Context, taskID string, handle netdisk.FileHandle) (string, error) {
	s := r.stateFor(taskID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.needsRefresh || len(s.entries) == 0 {
		requested := s.needsRefresh
		resolved, err := r.provider.ForceRefresh(ctx, handle)
		if err != nil {
			return "", err
		}
		s.entries = []*entry{newEntry(resolved.URL)}
		s.needsRefresh = false
		s.lastRefreshedAt = time.Now()
		if requested {
			s.lastRotatedAt = s.lastRefreshedAt
		}
		return resolved.URL, nil
	}

	active := electActive(s.entries)
	return active.url, nil
}

func electActive(entries []*entry) *entry {
	best := entries[0]
	for _, e := range entries[1:] {
		if e.score > best.score || (e.score == best.score && e.issuedAt.After(best.issuedAt)) {
			best = e
		}
	}
	return best
}

// RecordSample feeds a byte-count/elapsed observation for url back into the
// registry.
func (r *Registry) RecordSample(taskID, url string, bytesInWindow int64, elapsed time.Duration) {
	s := r.stateFor(taskID)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActivityAt = time.Now()
	for _, e := range s.entries {
		if e.url == url {
			e.recordSample(bytesInWindow, elapsed, r.params)
			if e.blendedSpeed() > s.peakThroughput {
				s.peakThroughput = e.blendedSpeed()
			}
			return
		}
	}
}

// ReportFailure applies a kind-specific penalty to url and evicts it once
// consecutive failures cross FMax, marking the state for refresh.
func (r *Registry) ReportFailure(taskID, url string, kind downloaderr.Kind) {
	s := r.stateFor(taskID)
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.entries {
		if e.url != url {
			continue
		}
		e.recordFailure(kind, r.params)
		if e.consecutiveFailures >= r.params.FMax {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			s.needsRefresh = true
			r.logger.Warn("link evicted after repeated failures", "task_id", taskID, "url", url)
		}
		return
	}
}

// ReportStall implements detector (2): a chunk worker observed zero bytes
// for the stall timeout on an otherwise-live connection.
func (r *Registry) ReportStall(taskID string) {
	s := r.stateFor(taskID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.needsRefresh = true
	r.logger.Warn("link marked for refresh: worker stall", "task_id", taskID)
}

// MarkNeedsRefresh is the atomic flag operation:
// the registry discards all entries on next GetActive and re-resolves.
func (r *Registry) MarkNeedsRefresh(taskID string) {
	s := r.stateFor(taskID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.needsRefresh = true
}

// CheckFreshness evaluates detectors (1) and (3) and marks needsRefresh if
// tripped. currentThroughput and slotsFull are supplied by the File Task
// Engine's dispatch loop, which is the only caller with visibility into
// slot occupancy.
func (r *Registry) CheckFreshness(taskID string, currentThroughput float64, slotsFull bool) {
	s := r.stateFor(taskID)
	s.mu.Lock()
	defer s.mu.Unlock()

	recentlyRefreshed := !s.lastRotatedAt.IsZero() && time.Since(s.lastRotatedAt) < r.params.MinRefreshInterval

	if !recentlyRefreshed && s.peakThroughput > 0 && slotsFull &&
		currentThroughput < r.params.SpeedAnomalyAlpha*s.peakThroughput &&
		time.Since(s.lastActivityAt) < r.params.SpeedWindow {
		s.needsRefresh = true
		r.logger.Warn("link marked for refresh: speed anomaly", "task_id", taskID)
		return
	}

	if !s.lastRefreshedAt.IsZero() && time.Since(s.lastRefreshedAt) > r.params.MaxURLAge {
		s.needsRefresh = true
		r.logger.Info("link marked for refresh: periodic ceiling", "task_id", taskID)
	}
}

// Snapshot returns a lightweight read-only view for API/debug endpoints.
type Snapshot struct {
	ActiveURL    string
	Score        float64
	NeedsRefresh bool
}

func (r *Registry) Snapshot(taskID string) (Snapshot, error) {
	s := r.stateFor(taskID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return Snapshot{NeedsRefresh: s.needsRefresh}, fmt.Errorf("linkhealth: no entries for %s", taskID)
	}
	active := electActive(s.entries)
	return Snapshot{ActiveURL: active.url, Score: active.score, NeedsRefresh: s.needsRefresh}, nil
}
