package pipeline

import (
	"sync/atomic"
	"time"

	"github.com/babelcloud/gbox/packages/remoteplay/internal/remoteplay/h264"
)

// Metrics receives per-unit observations from a Pipeline. Implementations
// must be safe for concurrent use; each session gets its own instance.
type Metrics interface {
	ObserveUnit(size int, kind h264.UnitKind, nalType h264.NALUnitType, classified bool)
	ObserveKeyframe(size int)
	ObserveOversize(size int)
	ObserveLoss(framesLost int32, recovered bool)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) ObserveUnit(int, h264.UnitKind, h264.NALUnitType, bool) {}
func (NopMetrics) ObserveKeyframe(int)                                    {}
func (NopMetrics) ObserveOversize(int)                                    {}
func (NopMetrics) ObserveLoss(int32, bool)                                {}

// Stats is the default Metrics implementation: lock-free counters that can be
// snapshotted at any time.
type Stats struct {
	units         atomic.Uint64
	unclassified  atomic.Uint64
	parameterSets atomic.Uint64
	keyUnits      atomic.Uint64
	keyframes     atomic.Uint64
	oversize      atomic.Uint64
	framesLost    atomic.Int64
	recovered     atomic.Uint64
	maxUnitSize   atomic.Int64
	lastKeyframe  atomic.Int64
	lastUnitAt    atomic.Int64 // unix nanos
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Units         uint64    `json:"units"`
	Unclassified  uint64    `json:"unclassified"`
	ParameterSets uint64    `json:"parameter_sets"`
	KeyUnits      uint64    `json:"key_units"`
	Keyframes     uint64    `json:"keyframes"`
	OversizeSkips uint64    `json:"oversize_skips"`
	FramesLost    int64     `json:"frames_lost"`
	Recovered     uint64    `json:"recovered"`
	MaxUnitSize   int64     `json:"max_unit_size"`
	LastKeyframe  int64     `json:"last_keyframe_size"`
	LastUnitAt    time.Time `json:"last_unit_at,omitempty"`
}

// NewStats returns zeroed counters.
func NewStats() *Stats {
	return &Stats{}
}

func (s *Stats) ObserveUnit(size int, kind h264.UnitKind, _ h264.NALUnitType, classified bool) {
	s.units.Add(1)
	if !classified {
		s.unclassified.Add(1)
	}
	if kind.IsParameterSet() {
		s.parameterSets.Add(1)
	}
	if kind.IsKey() {
		s.keyUnits.Add(1)
	}
	for {
		cur := s.maxUnitSize.Load()
		if int64(size) <= cur || s.maxUnitSize.CompareAndSwap(cur, int64(size)) {
			break
		}
	}
	s.lastUnitAt.Store(time.Now().UnixNano())
}

func (s *Stats) ObserveKeyframe(size int) {
	s.keyframes.Add(1)
	s.lastKeyframe.Store(int64(size))
}

func (s *Stats) ObserveOversize(int) {
	s.oversize.Add(1)
}

func (s *Stats) ObserveLoss(framesLost int32, recovered bool) {
	if framesLost > 0 {
		s.framesLost.Add(int64(framesLost))
	}
	if recovered {
		s.recovered.Add(1)
	}
}

// Snapshot copies the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		Units:         s.units.Load(),
		Unclassified:  s.unclassified.Load(),
		ParameterSets: s.parameterSets.Load(),
		KeyUnits:      s.keyUnits.Load(),
		Keyframes:     s.keyframes.Load(),
		OversizeSkips: s.oversize.Load(),
		FramesLost:    s.framesLost.Load(),
		Recovered:     s.recovered.Load(),
		MaxUnitSize:   s.maxUnitSize.Load(),
		LastKeyframe:  s.lastKeyframe.Load(),
	}
	if ns := s.lastUnitAt.Load(); ns != 0 {
		snap.LastUnitAt = time.Unix(0, ns)
	}
	return snap
}
