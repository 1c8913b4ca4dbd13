package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/babelcloud/gbox/packages/remoteplay/internal/remoteplay/pipeline"
)

// Units buffered per live viewer before it is dropped as too slow.
const viewerBuffer = 256

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Preview page may be served from another origin
	},
}

type wsMessage struct {
	Type string `json:"type"`
}

// subscribe registers a viewer and returns its unit channel together with
// the current keyframe, if any. Subscribing first means no unit falls in the
// gap between the keyframe and the live stream.
func (s *Server) subscribe(prefix string) (id string, units <-chan pipeline.Unit, keyframe []byte) {
	id = prefix + "_" + uuid.New().String()
	units = s.sess.Broadcaster().Subscribe(id, viewerBuffer)
	return id, units, s.sess.Keyframe()
}

// handleH264Stream streams raw Annex-B units over a chunked HTTP response.
func (s *Server) handleH264Stream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, units, keyframe := s.subscribe("h264_http")
	defer s.sess.Broadcaster().Unsubscribe(id)
	logger := s.logger.With("viewer", id)
	logger.Info("Starting H.264 HTTP stream")

	w.Header().Set("Content-Type", "video/h264")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	// Decoders need parameter sets and an IDR before any delta unit.
	if len(keyframe) > 0 {
		if _, err := w.Write(keyframe); err != nil {
			logger.Debug("Failed to write keyframe", "error", err)
			return
		}
	}
	flush()

	for {
		select {
		case <-r.Context().Done():
			logger.Info("H.264 HTTP stream context cancelled")
			return

		case unit, ok := <-units:
			if !ok {
				logger.Info("H.264 HTTP stream closed")
				return
			}
			if _, err := w.Write(unit.Data); err != nil {
				logger.Debug("Failed to write H.264 data", "error", err)
				return
			}
			flush()
		}
	}
}

// handleWebSocket streams units as binary messages. Clients may send
// {"type":"request_keyframe"} to ask for a fresh IDR.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade to WebSocket", "error", err)
		return
	}
	defer conn.Close()

	id, units, keyframe := s.subscribe("h264_ws")
	defer s.sess.Broadcaster().Unsubscribe(id)
	logger := s.logger.With("viewer", id)
	logger.Info("Starting H.264 WebSocket stream")

	if len(keyframe) > 0 {
		if err := conn.WriteMessage(websocket.BinaryMessage, keyframe); err != nil {
			logger.Debug("Failed to write keyframe", "error", err)
			return
		}
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				logger.Debug("WebSocket read error", "error", err)
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			var msg wsMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.Type == "request_keyframe" {
				logger.Debug("Received keyframe request")
				if err := s.sess.RequestRefresh(); err != nil {
					logger.Warn("Keyframe request failed", "error", err)
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Info("H.264 WebSocket stream ended")
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case unit, ok := <-units:
			if !ok {
				logger.Info("H.264 WebSocket stream closed")
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream ended"))
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, unit.Data); err != nil {
				logger.Debug("Failed to write H.264 data", "error", err)
				return
			}
		}
	}
}
