// Package session ties a streaming engine to a Frame Store: it installs the
// reassembly pipeline as the engine's video callback, tracks connection
// state from engine events and exposes the consumer read and control
// operations.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/remoteplay/internal/remoteplay/controller"
	"github.com/babelcloud/gbox/packages/remoteplay/internal/remoteplay/engine"
	"github.com/babelcloud/gbox/packages/remoteplay/internal/remoteplay/framestore"
	"github.com/babelcloud/gbox/packages/remoteplay/internal/remoteplay/h264"
	"github.com/babelcloud/gbox/packages/remoteplay/internal/remoteplay/pipeline"
)

var (
	ErrNotConnected = errors.New("session not connected")
	ErrNoKeyframe   = errors.New("no keyframe available")
	ErrDestroyed    = errors.New("session destroyed")
)

const (
	DefaultPollInterval  = 100 * time.Millisecond
	keyframePollInterval = 10 * time.Millisecond
)

// Options tunes a session. Zero values select defaults.
type Options struct {
	MaxFrameSize       int
	LargeUnitThreshold int
	PollInterval       time.Duration
	Logger             *slog.Logger
}

// Session is one remote play connection and its frame state.
type Session struct {
	id           string
	engine       engine.Engine
	store        *framestore.Store
	stats        *pipeline.Stats
	broadcaster  *pipeline.Broadcaster
	controller   *controller.Controller
	logger       *slog.Logger
	pollInterval time.Duration

	connected atomic.Bool
	quit      atomic.Bool

	// mu is held across engine Stop/Join, so event handling must not take it.
	mu        sync.Mutex
	started   bool
	stopped   bool
	destroyed bool

	eventMu   sync.Mutex
	quitEvent engine.Event
}

// Create wires a new Frame Store and pipeline into eng. The engine must not
// have been started.
func Create(eng engine.Engine, opts Options) (*Session, error) {
	if eng == nil {
		return nil, errors.New("engine is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	id := uuid.New().String()
	logger = logger.With("session", id[:8])

	s := &Session{
		id:           id,
		engine:       eng,
		store:        framestore.New(opts.MaxFrameSize),
		stats:        pipeline.NewStats(),
		broadcaster:  pipeline.NewBroadcaster(logger),
		logger:       logger,
		pollInterval: pollInterval,
	}
	s.controller = controller.New(s, logger)

	p := pipeline.New(s.store, h264.NewClassifier(opts.LargeUnitThreshold),
		pipeline.WithMetrics(s.stats),
		pipeline.WithLogger(logger),
		pipeline.WithBroadcaster(s.broadcaster),
	)
	eng.SetVideoSampleCallback(p.HandleVideoSample)
	eng.SetEventCallback(s.handleEvent)

	logger.Debug("Session created", "max_frame_size", s.store.MaxFrameSize())
	return s, nil
}

func (s *Session) handleEvent(ev engine.Event) {
	switch ev.Type {
	case engine.EventConnected:
		s.connected.Store(true)
		s.logger.Info("Session connected")
	case engine.EventQuit:
		s.eventMu.Lock()
		s.quitEvent = ev
		s.eventMu.Unlock()
		s.connected.Store(false)
		s.quit.Store(true)
		if ev.QuitReason.IsError() {
			s.logger.Warn("Session quit", "reason", ev.QuitReason, "detail", ev.QuitReasonStr)
		} else {
			s.logger.Info("Session quit", "reason", ev.QuitReason, "detail", ev.QuitReasonStr)
		}
	default:
		s.logger.Debug("Ignoring engine event", "type", ev.Type)
	}
}

// ID is a random identifier unique to this session.
func (s *Session) ID() string { return s.id }

// Stats returns the session's stream counters.
func (s *Session) Stats() pipeline.StatsSnapshot { return s.stats.Snapshot() }

// Broadcaster fans accepted units out to live viewers.
func (s *Session) Broadcaster() *pipeline.Broadcaster { return s.broadcaster }

// Controller sends input through this session.
func (s *Session) Controller() *controller.Controller { return s.controller }

// Start starts the engine.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return ErrDestroyed
	}
	if s.started {
		return errors.New("session already started")
	}
	if err := s.engine.Start(); err != nil {
		return errors.Wrap(err, "start engine")
	}
	s.started = true
	return nil
}

// WaitConnected polls until the engine reports connected, the session quits,
// timeout elapses or ctx is done. It reports whether the session is connected.
func (s *Session) WaitConnected(ctx context.Context, timeout time.Duration) bool {
	if s.connected.Load() {
		return true
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for !s.connected.Load() && !s.quit.Load() {
		select {
		case <-ctx.Done():
			return s.connected.Load()
		case <-deadline.C:
			return s.connected.Load()
		case <-ticker.C:
		}
	}
	return s.connected.Load()
}

// IsConnected reports whether the engine is connected and has not quit.
func (s *Session) IsConnected() bool {
	return s.connected.Load()
}

// Quit reports whether the engine has quit, and why.
func (s *Session) Quit() (bool, engine.Event) {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()
	return s.quit.Load(), s.quitEvent
}

// SetControllerState forwards a full controller state to the engine. It
// fails with ErrNotConnected, and sends nothing, unless connected.
func (s *Session) SetControllerState(state controller.State) error {
	if !s.connected.Load() {
		return ErrNotConnected
	}
	if err := s.engine.SetControllerState(state); err != nil {
		return errors.Wrap(err, "set controller state")
	}
	return nil
}

// RequestRefresh drops the current keyframe and asks the engine for a new
// IDR. WaitKeyframe picks up the result.
func (s *Session) RequestRefresh() error {
	if !s.connected.Load() {
		return ErrNotConnected
	}
	s.store.ClearKeyframe()
	if err := s.engine.RequestIDR(); err != nil {
		return errors.Wrap(err, "request idr")
	}
	s.logger.Debug("Keyframe refresh requested")
	return nil
}

// Stop stops the engine and waits for its delivery goroutine to exit.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *Session) stopLocked() error {
	if !s.started || s.stopped {
		return nil
	}
	s.stopped = true

	if err := s.engine.Stop(); err != nil {
		return errors.Wrap(err, "stop engine")
	}
	if err := s.engine.Join(); err != nil {
		return errors.Wrap(err, "join engine")
	}
	s.connected.Store(false)
	return nil
}

// Destroy stops the engine if needed, closes it and releases every frame
// buffer. The session cannot be used afterwards.
func (s *Session) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return nil
	}
	s.destroyed = true

	stopErr := s.stopLocked()
	closeErr := s.engine.Close()

	// Delivery has ended, so nothing can race the release.
	s.store.Release()
	s.broadcaster.Close()
	s.logger.Debug("Session destroyed")

	if stopErr != nil {
		return stopErr
	}
	return errors.Wrap(closeErr, "close engine")
}

// ReadFrame copies the latest unit into dst. It returns 0 when nothing is
// held or dst is too small; FrameSize tells the two apart.
func (s *Session) ReadFrame(dst []byte) (int, uint64) { return s.store.ReadLatest(dst) }

// ReadKeyframe copies the synthesized keyframe into dst, or returns 0.
func (s *Session) ReadKeyframe(dst []byte) int { return s.store.ReadKeyframe(dst) }

// Frame returns a copy of the latest unit and its sequence number.
func (s *Session) Frame() ([]byte, uint64) { return s.store.Latest() }

// Keyframe returns a copy of the keyframe, or nil.
func (s *Session) Keyframe() []byte { return s.store.Keyframe() }

func (s *Session) FrameSequence() uint64 { return s.store.Sequence() }
func (s *Session) FrameSize() int        { return s.store.LatestSize() }
func (s *Session) KeyframeSize() int     { return s.store.KeyframeSize() }
func (s *Session) HasKeyframe() bool     { return s.store.HasKeyframe() }
func (s *Session) ClearKeyframe()        { s.store.ClearKeyframe() }
func (s *Session) MaxFrameSize() int     { return s.store.MaxFrameSize() }

// WaitKeyframe polls for a keyframe until timeout or ctx is done.
func (s *Session) WaitKeyframe(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if kf := s.store.Keyframe(); kf != nil {
		return kf, nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(keyframePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, errors.Wrapf(ErrNoKeyframe, "after %s", timeout)
		case <-ticker.C:
			if kf := s.store.Keyframe(); kf != nil {
				return kf, nil
			}
		}
	}
}
