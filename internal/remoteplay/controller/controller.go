// Package controller models gamepad state and turns high-level input
// (press a button, tilt a stick) into full state updates for the engine.
package controller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/keymutex"
)

// DefaultPressDuration is how long Press holds a button when no duration is given.
const DefaultPressDuration = 100 * time.Millisecond

// State is a complete gamepad snapshot. The engine always receives whole
// states, never deltas.
type State struct {
	Buttons Button `json:"buttons"`
	L2      uint8  `json:"l2"`
	R2      uint8  `json:"r2"`
	LeftX   int16  `json:"left_x"`
	LeftY   int16  `json:"left_y"`
	RightX  int16  `json:"right_x"`
	RightY  int16  `json:"right_y"`
}

// IdleState returns a state with nothing pressed and sticks centered.
func IdleState() State {
	return State{}
}

// StickAxis converts a normalized axis position in [-1, 1] to the signed
// 16-bit range. Out-of-range input is clamped.
func StickAxis(v float64) int16 {
	return int16(clamp(v, -1, 1) * 32767)
}

// Trigger converts a normalized pressure in [0, 1] to 0..255.
func Trigger(v float64) uint8 {
	return uint8(clamp(v, 0, 1) * 255)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Sender delivers controller states, typically a session.
type Sender interface {
	SetControllerState(State) error
}

// Controller keeps the current gamepad state and pushes it to a Sender on
// every change.
type Controller struct {
	sender Sender
	logger *slog.Logger

	mu    sync.Mutex
	state State

	// Serializes presses of the same button so overlapping presses do not
	// release each other early.
	presses keymutex.KeyMutex
}

// New creates a controller in the idle state.
func New(sender Sender, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		sender:  sender,
		logger:  logger,
		state:   IdleState(),
		presses: keymutex.NewHashed(0),
	}
}

// State returns the last state the engine accepted.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) update(fn func(*State)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.state
	fn(&next)
	// Sent under the lock so the engine sees states in the order they were made.
	if err := c.sender.SetControllerState(next); err != nil {
		c.logger.Warn("Failed to send controller state", "error", err)
		return errors.Wrap(err, "send controller state")
	}
	c.state = next
	return nil
}

// ButtonDown holds b down.
func (c *Controller) ButtonDown(b Button) error {
	return c.update(func(s *State) { s.Buttons |= b })
}

// ButtonUp releases b.
func (c *Controller) ButtonUp(b Button) error {
	return c.update(func(s *State) { s.Buttons &^= b })
}

// SetLeftStick moves the left stick; x and y are in [-1, 1].
func (c *Controller) SetLeftStick(x, y float64) error {
	return c.update(func(s *State) {
		s.LeftX, s.LeftY = StickAxis(x), StickAxis(y)
	})
}

// SetRightStick moves the right stick; x and y are in [-1, 1].
func (c *Controller) SetRightStick(x, y float64) error {
	return c.update(func(s *State) {
		s.RightX, s.RightY = StickAxis(x), StickAxis(y)
	})
}

// SetTriggers sets both analog triggers; values are in [0, 1].
func (c *Controller) SetTriggers(l2, r2 float64) error {
	return c.update(func(s *State) {
		s.L2, s.R2 = Trigger(l2), Trigger(r2)
	})
}

// SetState replaces the whole state, e.g. from a remote gamepad.
func (c *Controller) SetState(state State) error {
	return c.update(func(s *State) { *s = state })
}

// Reset returns to the idle state.
func (c *Controller) Reset() error {
	return c.update(func(s *State) { *s = IdleState() })
}

// Press holds the named button for hold (DefaultPressDuration when hold <= 0)
// and releases it. "l2" and "r2" fully press the analog trigger instead.
// The button is released even when ctx is cancelled mid-press.
func (c *Controller) Press(ctx context.Context, name string, hold time.Duration) error {
	b, err := ParseButton(name)
	if err != nil {
		return err
	}
	if hold <= 0 {
		hold = DefaultPressDuration
	}

	key := b.String()
	c.presses.LockKey(key)
	defer func() { _ = c.presses.UnlockKey(key) }()

	down, up := c.pressFuncs(b)
	if err := down(); err != nil {
		return err
	}

	timer := time.NewTimer(hold)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}

	if err := up(); err != nil {
		return err
	}
	return ctx.Err()
}

func (c *Controller) pressFuncs(b Button) (down, up func() error) {
	switch b {
	case ButtonL2:
		return func() error { return c.update(func(s *State) { s.L2 = 255 }) },
			func() error { return c.update(func(s *State) { s.L2 = 0 }) }
	case ButtonR2:
		return func() error { return c.update(func(s *State) { s.R2 = 255 }) },
			func() error { return c.update(func(s *State) { s.R2 = 0 }) }
	default:
		return func() error { return c.ButtonDown(b) },
			func() error { return c.ButtonUp(b) }
	}
}
