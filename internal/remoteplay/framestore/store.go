// Package framestore holds the latest delivered access unit, the cached
// parameter sets and the synthesized standalone keyframe for one session.
//
// All slots share a single mutex so that a reader never sees a keyframe built
// from a parameter set other than the one that was current when it was
// synthesized. Every read hands out a copy; the store is free to replace its
// buffers at any time.
package framestore

import (
	"sync"

	"github.com/babelcloud/gbox/packages/remoteplay/internal/remoteplay/h264"
)

// DefaultMaxFrameSize bounds the synthesized keyframe (4 MiB covers 1080p).
const DefaultMaxFrameSize = 4 * 1024 * 1024

// Store is safe for concurrent use by one producer and any number of readers.
type Store struct {
	mu sync.Mutex

	latest []byte
	seq    uint64

	paramSets []byte

	keyframe     []byte
	haveKeyframe bool

	maxFrameSize int
}

// New creates a store whose synthesized keyframes never exceed maxFrameSize.
// A non-positive value selects DefaultMaxFrameSize.
func New(maxFrameSize int) *Store {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Store{maxFrameSize: maxFrameSize}
}

// MaxFrameSize returns the keyframe size bound.
func (s *Store) MaxFrameSize() int {
	return s.maxFrameSize
}

// RecordUnit replaces the latest unit and bumps the sequence number. Empty
// units are ignored.
func (s *Store) RecordUnit(buf []byte) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordUnitLocked(buf)
}

// RecordParameterSet replaces the cached parameter-set unit.
func (s *Store) RecordParameterSet(buf []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordParameterSetLocked(buf)
}

// Synthesis is the result of one keyframe synthesis attempt.
type Synthesis uint8

const (
	// SynthesisNone means the unit was not a key unit.
	SynthesisNone Synthesis = iota
	// SynthesisStored means a new keyframe replaced the previous one.
	SynthesisStored
	// SynthesisNoParameterSets means no parameter set had been cached yet.
	SynthesisNoParameterSets
	// SynthesisOversize means parameter sets plus unit exceeded the bound.
	SynthesisOversize
)

func (r Synthesis) String() string {
	switch r {
	case SynthesisStored:
		return "stored"
	case SynthesisNoParameterSets:
		return "no_parameter_sets"
	case SynthesisOversize:
		return "oversize"
	default:
		return "none"
	}
}

// IngestResult describes what Ingest did with one unit.
type IngestResult struct {
	// Seq is the sequence number assigned to the unit, 0 for empty units.
	Seq       uint64
	Synthesis Synthesis
	// KeyframeSize is the size of the keyframe that was stored or rejected.
	// It is 0 when no parameter set was cached.
	KeyframeSize int
}

// Synthesized reports whether a new keyframe was stored.
func (r IngestResult) Synthesized() bool { return r.Synthesis == SynthesisStored }

// TrySynthesizeKeyframe stores cached parameter sets followed by unit as the
// new standalone keyframe. It does nothing and reports false when no
// parameter set has been cached or when the result would exceed the bound.
func (s *Store) TrySynthesizeKeyframe(unit []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, _ := s.synthesizeLocked(unit)
	return result == SynthesisStored
}

// Ingest applies one classified unit under a single lock acquisition: the
// unit always becomes the latest, parameter sets refresh the cache and key
// units attempt synthesis. A unit that is both refreshes the cache first, so
// the keyframe it produces starts with the unit itself.
func (s *Store) Ingest(kind h264.UnitKind, buf []byte) IngestResult {
	if len(buf) == 0 {
		return IngestResult{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res := IngestResult{Seq: s.recordUnitLocked(buf)}
	if kind.IsParameterSet() {
		s.recordParameterSetLocked(buf)
	}
	if kind.IsKey() {
		res.Synthesis, res.KeyframeSize = s.synthesizeLocked(buf)
	}
	return res
}

// ReadLatest copies the latest unit into dst. It returns the number of bytes
// written and the unit's sequence number, or 0 when nothing is held or dst is
// too small. dst is never partially written.
func (s *Store) ReadLatest(dst []byte) (int, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.latest == nil || len(dst) < len(s.latest) {
		return 0, 0
	}
	return copy(dst, s.latest), s.seq
}

// ReadKeyframe copies the synthesized keyframe into dst under the same
// contract as ReadLatest.
func (s *Store) ReadKeyframe(dst []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.haveKeyframe || s.keyframe == nil || len(dst) < len(s.keyframe) {
		return 0
	}
	return copy(dst, s.keyframe)
}

// Latest returns a copy of the latest unit and its sequence number.
func (s *Store) Latest() ([]byte, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.latest == nil {
		return nil, s.seq
	}
	return clone(s.latest), s.seq
}

// Keyframe returns a copy of the synthesized keyframe, or nil.
func (s *Store) Keyframe() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.haveKeyframe || s.keyframe == nil {
		return nil
	}
	return clone(s.keyframe)
}

// ParameterSets returns a copy of the cached parameter-set unit, or nil.
func (s *Store) ParameterSets() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paramSets == nil {
		return nil
	}
	return clone(s.paramSets)
}

// LatestSize is the buffer size ReadLatest currently needs.
func (s *Store) LatestSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.latest)
}

// KeyframeSize is the buffer size ReadKeyframe currently needs, 0 if no
// keyframe is visible.
func (s *Store) KeyframeSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.haveKeyframe {
		return 0
	}
	return len(s.keyframe)
}

// ClearKeyframe hides the current keyframe until the next successful
// synthesis. The buffer itself is kept.
func (s *Store) ClearKeyframe() {
	s.mu.Lock()
	s.haveKeyframe = false
	s.mu.Unlock()
}

// HasKeyframe reports whether a keyframe is visible.
func (s *Store) HasKeyframe() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.haveKeyframe
}

// Sequence returns the number of units accepted so far.
func (s *Store) Sequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Release drops every buffer. The producer must have stopped delivering
// before Release is called. The sequence number is kept.
func (s *Store) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.latest = nil
	s.paramSets = nil
	s.keyframe = nil
	s.haveKeyframe = false
}

func (s *Store) recordUnitLocked(buf []byte) uint64 {
	if len(buf) == 0 {
		return s.seq
	}
	s.latest = clone(buf)
	s.seq++
	return s.seq
}

func (s *Store) recordParameterSetLocked(buf []byte) {
	if ps := clone(buf); ps != nil {
		s.paramSets = ps
	}
}

func (s *Store) synthesizeLocked(unit []byte) (Synthesis, int) {
	if len(s.paramSets) == 0 || len(unit) == 0 {
		return SynthesisNoParameterSets, 0
	}

	total := len(s.paramSets) + len(unit)
	if total > s.maxFrameSize {
		return SynthesisOversize, total
	}

	frame := make([]byte, total)
	n := copy(frame, s.paramSets)
	copy(frame[n:], unit)

	s.keyframe = frame
	s.haveKeyframe = true
	return SynthesisStored, total
}

func clone(buf []byte) []byte {
	if len(buf) == 0 {
		return nil
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out
}
