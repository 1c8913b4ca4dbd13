// Package engine defines the contract between the reassembly core and the
// real-time streaming engine that negotiates, decrypts and reassembles the
// remote video stream. Concrete engines register themselves by name.
package engine

import (
	"fmt"

	"github.com/babelcloud/gbox/packages/remoteplay/internal/remoteplay/controller"
)

// VideoSampleFunc receives one complete access unit. buf is only valid for
// the duration of the call. framesLost and recovered describe transport loss
// since the previous unit. Returning false asks the engine to stop.
type VideoSampleFunc func(buf []byte, framesLost int32, recovered bool) bool

// EventFunc receives session lifecycle events.
type EventFunc func(Event)

// EventType identifies an engine event.
type EventType int

const (
	EventConnected       EventType = 0
	EventLoginPINRequest EventType = 1
	EventQuit            EventType = 9
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventLoginPINRequest:
		return "login_pin_request"
	case EventQuit:
		return "quit"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// QuitReason explains why a session ended.
type QuitReason int

const (
	QuitReasonNone QuitReason = iota
	QuitReasonStopped
	QuitReasonSessionRequestUnknown
	QuitReasonSessionRequestConnectionRefused
	QuitReasonSessionRequestRPInUse
	QuitReasonSessionRequestRPCrash
	QuitReasonSessionRequestRPVersionMismatch
	QuitReasonCtrlUnknown
	QuitReasonCtrlConnectFailed
	QuitReasonCtrlConnectionRefused
	QuitReasonStreamConnectionUnknown
	QuitReasonStreamConnectionRemoteDisconnected
	QuitReasonStreamConnectionRemoteShutdown
)

var quitReasonNames = map[QuitReason]string{
	QuitReasonNone:                               "none",
	QuitReasonStopped:                            "stopped",
	QuitReasonSessionRequestUnknown:              "session request failed",
	QuitReasonSessionRequestConnectionRefused:    "connection refused",
	QuitReasonSessionRequestRPInUse:              "remote play already in use",
	QuitReasonSessionRequestRPCrash:              "remote play crashed",
	QuitReasonSessionRequestRPVersionMismatch:    "remote play version mismatch",
	QuitReasonCtrlUnknown:                        "control connection failed",
	QuitReasonCtrlConnectFailed:                  "control connect failed",
	QuitReasonCtrlConnectionRefused:              "control connection refused",
	QuitReasonStreamConnectionUnknown:            "stream connection failed",
	QuitReasonStreamConnectionRemoteDisconnected: "remote disconnected",
	QuitReasonStreamConnectionRemoteShutdown:     "remote shut down",
}

func (r QuitReason) String() string {
	if name, ok := quitReasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("quit reason %d", int(r))
}

// IsError reports whether the session ended abnormally.
func (r QuitReason) IsError() bool {
	return r != QuitReasonNone && r != QuitReasonStopped
}

// Event is delivered through EventFunc. QuitReason and QuitReasonStr are only
// set for EventQuit.
type Event struct {
	Type          EventType  `json:"type"`
	QuitReason    QuitReason `json:"quit_reason,omitempty"`
	QuitReasonStr string     `json:"quit_reason_str,omitempty"`
}

// Engine is a streaming engine session. Callbacks must be installed before
// Start. After Stop, Join blocks until the delivery goroutine has exited and
// no further callbacks will run; only then may Close be called.
type Engine interface {
	SetVideoSampleCallback(VideoSampleFunc)
	SetEventCallback(EventFunc)

	Start() error
	Stop() error
	Join() error

	SetControllerState(controller.State) error
	RequestIDR() error

	Close() error
}
