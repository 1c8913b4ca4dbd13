// Package replay implements an engine that plays back a recorded Annex-B
// H.264 elementary stream at the negotiated frame rate. It needs no console
// and is what the CLI and tests run against.
package replay

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/remoteplay/internal/remoteplay/controller"
	"github.com/babelcloud/gbox/packages/remoteplay/internal/remoteplay/engine"
	"github.com/babelcloud/gbox/packages/remoteplay/internal/remoteplay/h264"
)

// Name is the registry name of this engine.
const Name = "replay"

const defaultFPS = 30

func init() {
	engine.Register(Name, func(opts engine.Options) (engine.Engine, error) {
		return Open(opts)
	})
}

type unit struct {
	data   []byte
	header bool
	key    bool
}

// Engine replays a recording.
type Engine struct {
	logger   *slog.Logger
	units    []unit
	keys     []int // indices of header units directly followed by an IDR unit
	interval time.Duration
	loop     bool

	mu        sync.Mutex
	onSample  engine.VideoSampleFunc
	onEvent   engine.EventFunc
	started   bool
	closed    bool
	lastState controller.State
	states    int

	idrRequested atomic.Bool
	stopOnce     sync.Once
	stop         chan struct{}
	done         chan struct{}
}

// Open reads the recording at opts.Source.
func Open(opts engine.Options) (*Engine, error) {
	if opts.Source == "" {
		return nil, errors.New("replay engine needs a source recording")
	}
	data, err := os.ReadFile(opts.Source)
	if err != nil {
		return nil, errors.Wrap(err, "read recording")
	}
	return FromAnnexB(data, opts)
}

// FromAnnexB replays an in-memory Annex-B stream.
func FromAnnexB(data []byte, opts engine.Options) (*Engine, error) {
	units := splitUnits(data)
	if len(units) == 0 {
		return nil, errors.New("recording contains no NAL units")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fps := opts.Info.VideoProfile.MaxFPS
	if fps <= 0 {
		fps = defaultFPS
	}

	e := &Engine{
		logger:   logger.With("engine", Name),
		units:    units,
		interval: time.Second / time.Duration(fps),
		loop:     opts.Loop,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for i := 0; i+1 < len(units); i++ {
		if units[i].header && units[i+1].key {
			e.keys = append(e.keys, i)
		}
	}

	e.logger.Debug("Recording loaded", "units", len(units), "keyframes", len(e.keys), "fps", fps)
	return e, nil
}

// splitUnits turns an elementary stream into delivery units: consecutive
// SPS/PPS NALs form one header unit, access unit delimiters are dropped and
// every other NAL is delivered on its own.
func splitUnits(data []byte) []unit {
	var units []unit
	for _, nalu := range h264.SplitByStartCodes(data) {
		t, ok := h264.FirstNALUnitType(nalu)
		if !ok {
			continue
		}
		switch t {
		case h264.NALUnitTypeAUD:
			continue
		case h264.NALUnitTypeSPS, h264.NALUnitTypePPS:
			if n := len(units); n > 0 && units[n-1].header {
				units[n-1].data = append(units[n-1].data, nalu...)
				continue
			}
			units = append(units, unit{data: append([]byte(nil), nalu...), header: true})
		default:
			units = append(units, unit{data: nalu, key: t == h264.NALUnitTypeIDR})
		}
	}
	return units
}

func (e *Engine) SetVideoSampleCallback(fn engine.VideoSampleFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onSample = fn
}

func (e *Engine) SetEventCallback(fn engine.EventFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onEvent = fn
}

// Start launches the delivery goroutine.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return errors.New("replay engine is closed")
	}
	if e.started {
		return errors.New("replay engine already started")
	}
	e.started = true

	go e.run(e.onSample, e.onEvent)
	return nil
}

// Stop asks the delivery goroutine to quit. It does not wait; use Join.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() { close(e.stop) })
	return nil
}

// Join waits for the delivery goroutine to exit.
func (e *Engine) Join() error {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()

	if started {
		<-e.done
	}
	return nil
}

// SetControllerState records the state; a recording cannot react to input.
func (e *Engine) SetControllerState(state controller.State) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastState = state
	e.states++
	return nil
}

// LastControllerState returns the most recent state and how many were sent.
func (e *Engine) LastControllerState() (controller.State, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastState, e.states
}

// RequestIDR makes the next delivery jump to the next parameter set + IDR pair.
func (e *Engine) RequestIDR() error {
	if len(e.keys) == 0 {
		return errors.New("recording has no keyframe")
	}
	e.idrRequested.Store(true)
	return nil
}

// Close stops playback and drops the recording.
func (e *Engine) Close() error {
	_ = e.Stop()
	_ = e.Join()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.units = nil
	return nil
}

func (e *Engine) nextKey(from int) int {
	for _, k := range e.keys {
		if k >= from {
			return k
		}
	}
	if e.loop {
		return e.keys[0]
	}
	return from
}

func (e *Engine) run(onSample engine.VideoSampleFunc, onEvent engine.EventFunc) {
	defer close(e.done)

	emit := func(ev engine.Event) {
		if onEvent != nil {
			onEvent(ev)
		}
	}
	quit := func(reason string) {
		e.logger.Debug("Replay finished", "reason", reason)
		emit(engine.Event{Type: engine.EventQuit, QuitReason: engine.QuitReasonStopped, QuitReasonStr: reason})
	}

	emit(engine.Event{Type: engine.EventConnected})

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	// buf is only valid during the callback, as with a live engine.
	var buf []byte
	i := 0
	for {
		if e.idrRequested.Swap(false) && len(e.keys) > 0 {
			i = e.nextKey(i)
		}
		if i >= len(e.units) {
			if !e.loop {
				quit("end of recording")
				return
			}
			i = 0
		}

		u := e.units[i]
		i++

		buf = append(buf[:0], u.data...)
		if onSample != nil && !onSample(buf, 0, false) {
			quit("video callback declined")
			return
		}

		// Parameter sets travel with the picture that follows them.
		if u.header {
			continue
		}
		select {
		case <-e.stop:
			quit("stopped")
			return
		case <-ticker.C:
		}
	}
}
