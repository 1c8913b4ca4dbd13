// Package pipeline turns the engine's video-sample callbacks into Frame Store
// updates: classify, record as latest, cache parameter sets, synthesize
// standalone keyframes.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/babelcloud/gbox/packages/remoteplay/internal/remoteplay/framestore"
	"github.com/babelcloud/gbox/packages/remoteplay/internal/remoteplay/h264"
)

// Units logged individually at debug level before switching to every
// debugLogEvery-th unit.
const (
	debugLogFirst = 20
	debugLogEvery = 100
)

// Pipeline is invoked once per delivered unit from the engine's delivery
// goroutine. It never blocks beyond one Frame Store critical section and
// never asks the engine to stop.
type Pipeline struct {
	store       *framestore.Store
	classifier  h264.Classifier
	metrics     Metrics
	logger      *slog.Logger
	broadcaster *Broadcaster

	delivered atomic.Uint64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMetrics injects the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithBroadcaster fans every accepted unit out to live subscribers.
func WithBroadcaster(b *Broadcaster) Option {
	return func(p *Pipeline) {
		p.broadcaster = b
	}
}

// New creates a pipeline feeding store.
func New(store *framestore.Store, classifier h264.Classifier, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:      store,
		classifier: classifier,
		metrics:    NopMetrics{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HandleVideoSample is the engine's video-sample callback. It always returns
// true so the engine keeps streaming.
func (p *Pipeline) HandleVideoSample(buf []byte, framesLost int32, recovered bool) bool {
	if len(buf) == 0 {
		return true
	}

	p.metrics.ObserveLoss(framesLost, recovered)

	kind, nalType, classified := p.classifier.Classify(buf)
	res := p.store.Ingest(kind, buf)

	p.metrics.ObserveUnit(len(buf), kind, nalType, classified)
	p.logUnit(buf, kind, nalType, classified, framesLost, recovered)

	if kind.IsParameterSet() {
		p.logger.Debug("Parameter set cached", "nal", nalType, "size", len(buf))
	}
	if kind.IsKey() {
		p.handleKeyOutcome(len(buf), res)
	}

	// The engine may reuse buf once we return, so subscribers get their own copy.
	if p.broadcaster != nil && p.broadcaster.SubscriberCount() > 0 {
		data := make([]byte, len(buf))
		copy(data, buf)
		p.broadcaster.Broadcast(Unit{Data: data, Seq: res.Seq, Kind: kind})
	}
	return true
}

func (p *Pipeline) handleKeyOutcome(unitSize int, res framestore.IngestResult) {
	switch res.Synthesis {
	case framestore.SynthesisStored:
		p.metrics.ObserveKeyframe(res.KeyframeSize)
		p.logger.Debug("Standalone keyframe stored", "size", res.KeyframeSize)
	case framestore.SynthesisNoParameterSets:
		// Normal at stream start.
		p.logger.Debug("Key unit before any parameter set", "size", unitSize)
	case framestore.SynthesisOversize:
		p.metrics.ObserveOversize(res.KeyframeSize)
		p.logger.Warn("Keyframe exceeds size bound, skipped",
			"size", res.KeyframeSize, "max", p.store.MaxFrameSize())
	}
}

func (p *Pipeline) logUnit(buf []byte, kind h264.UnitKind, nalType h264.NALUnitType, classified bool, framesLost int32, recovered bool) {
	n := p.delivered.Add(1)
	if n > debugLogFirst && n%debugLogEvery != 0 {
		return
	}
	if !p.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}

	attrs := []any{"n", n, "size", len(buf), "kind", kind, "classified", classified}
	if classified {
		attrs = append(attrs, "nal", nalType)
	}
	if framesLost > 0 || recovered {
		attrs = append(attrs, "frames_lost", framesLost, "recovered", recovered)
	}
	if len(buf) >= 8 {
		attrs = append(attrs, "head", fmt.Sprintf("% x", buf[:8]))
	}
	p.logger.Debug("Video unit", attrs...)
}
