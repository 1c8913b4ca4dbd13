package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/remoteplay/internal/remoteplay/controller"
	"github.com/babelcloud/gbox/packages/remoteplay/internal/remoteplay/pipeline"
	"github.com/babelcloud/gbox/packages/remoteplay/internal/remoteplay/session"
	"github.com/babelcloud/gbox/packages/remoteplay/internal/remoteplay/snapshot"
)

const maxPressHold = 5 * time.Second

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	ID           string                 `json:"id"`
	Connected    bool                   `json:"connected"`
	Quit         bool                   `json:"quit"`
	QuitReason   string                 `json:"quit_reason,omitempty"`
	Sequence     uint64                 `json:"sequence"`
	FrameSize    int                    `json:"frame_size"`
	HasKeyframe  bool                   `json:"has_keyframe"`
	KeyframeSize int                    `json:"keyframe_size"`
	Viewers      int                    `json:"viewers"`
	Stats        pipeline.StatsSnapshot `json:"stats"`
}

// PressRequest is the body of POST /api/press.
type PressRequest struct {
	Button string `json:"button"`
	HoldMs int    `json:"hold_ms,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := StatusResponse{
		ID:           s.sess.ID(),
		Connected:    s.sess.IsConnected(),
		Sequence:     s.sess.FrameSequence(),
		FrameSize:    s.sess.FrameSize(),
		HasKeyframe:  s.sess.HasKeyframe(),
		KeyframeSize: s.sess.KeyframeSize(),
		Viewers:      s.sess.Broadcaster().SubscriberCount(),
		Stats:        s.sess.Stats(),
	}
	if quit, ev := s.sess.Quit(); quit {
		resp.Quit = true
		resp.QuitReason = ev.QuitReason.String()
		if ev.QuitReasonStr != "" {
			resp.QuitReason += ": " + ev.QuitReasonStr
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var since uint64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid since parameter")
			return
		}
		since = n
	}

	// Cheap check before copying the unit out.
	if since != 0 && s.sess.FrameSequence() <= since {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	data, seq := s.sess.Frame()
	if len(data) == 0 {
		respondError(w, http.StatusNotFound, "no frame available")
		return
	}
	if since != 0 && seq <= since {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "video/h264")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Frame-Seq", strconv.FormatUint(seq, 10))
	w.Write(data)
}

func (s *Server) handleKeyframe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	format := r.URL.Query().Get("format")
	if format != "" && format != "h264" && format != "mp4" {
		respondError(w, http.StatusBadRequest, "format must be h264 or mp4")
		return
	}

	kf := s.sess.Keyframe()
	if kf == nil {
		respondError(w, http.StatusNotFound, "no keyframe available")
		return
	}

	w.Header().Set("Cache-Control", "no-cache")
	if format == "mp4" {
		var buf bytes.Buffer
		if err := snapshot.WriteMP4(&buf, kf); err != nil {
			s.logger.Error("Failed to build MP4 keyframe", "error", err)
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "video/mp4")
		w.Write(buf.Bytes())
		return
	}

	w.Header().Set("Content-Type", "video/h264")
	w.Write(kf)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.sess.RequestRefresh(); err != nil {
		s.respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
}

func (s *Server) handleController(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		respondJSON(w, http.StatusOK, s.sess.Controller().State())
	case http.MethodPost:
		var state controller.State
		if err := json.NewDecoder(r.Body).Decode(&state); err != nil {
			respondError(w, http.StatusBadRequest, "invalid controller state")
			return
		}
		if !s.sess.IsConnected() {
			s.respondSessionError(w, session.ErrNotConnected)
			return
		}
		if err := s.sess.Controller().SetState(state); err != nil {
			s.respondSessionError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, state)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req PressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid press request")
		return
	}
	if _, err := controller.ParseButton(req.Button); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.sess.IsConnected() {
		s.respondSessionError(w, session.ErrNotConnected)
		return
	}

	hold := time.Duration(req.HoldMs) * time.Millisecond
	if hold > maxPressHold {
		hold = maxPressHold
	}
	if err := s.sess.Controller().Press(r.Context(), req.Button, hold); err != nil {
		s.respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "pressed", "button": req.Button})
}

func (s *Server) respondSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotConnected):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrDestroyed):
		respondError(w, http.StatusGone, err.Error())
	default:
		s.logger.Error("Session request failed", "error", err)
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}
