package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/remoteplay/internal/remoteplay/pipeline"
)

const (
	videoPayloadType = 96
	h264FmtpLine     = "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42001f"
	iceGatherTimeout = 5 * time.Second
)

var h264Capability = webrtc.RTPCodecCapability{
	MimeType:    webrtc.MimeTypeH264,
	ClockRate:   90000,
	SDPFmtpLine: h264FmtpLine,
}

func newPeerConnection() (*webrtc.PeerConnection, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: h264Capability,
		PayloadType:        videoPayloadType,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, errors.Wrap(err, "register H.264 codec")
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m))
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{},
	})
	if err != nil {
		return nil, errors.Wrap(err, "create peer connection")
	}
	return pc, nil
}

// handleWebRTCOffer answers an SDP offer with a single H.264 video track fed
// from the live unit stream. ICE candidates are gathered before answering, so
// no trickle channel is needed.
func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var offer webrtc.SessionDescription
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil || offer.SDP == "" {
		respondError(w, http.StatusBadRequest, "invalid SDP offer")
		return
	}
	offer.Type = webrtc.SDPTypeOffer

	answer, err := s.startPeer(offer)
	if err != nil {
		s.logger.Error("WebRTC negotiation failed", "error", err)
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, answer)
}

func (s *Server) startPeer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	pc, err := newPeerConnection()
	if err != nil {
		return nil, err
	}

	track, err := webrtc.NewTrackLocalStaticSample(h264Capability, "video", "remoteplay")
	if err != nil {
		pc.Close()
		return nil, errors.Wrap(err, "create video track")
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		pc.Close()
		return nil, errors.Wrap(err, "add video track")
	}

	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return nil, errors.Wrap(err, "set remote description")
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return nil, errors.Wrap(err, "create answer")
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return nil, errors.Wrap(err, "set local description")
	}
	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		s.logger.Warn("ICE gathering timed out, answering with partial candidates")
	}

	id, units, keyframe := s.subscribe("webrtc")
	logger := s.logger.With("viewer", id)
	ctx, cancel := context.WithCancel(context.Background())

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Info("WebRTC connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			cancel()
		}
	})

	s.peersMu.Lock()
	s.peers[id] = pc
	s.peersMu.Unlock()

	// Drain RTCP so interceptors keep working.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	go func() {
		defer func() {
			s.sess.Broadcaster().Unsubscribe(id)
			s.peersMu.Lock()
			delete(s.peers, id)
			s.peersMu.Unlock()
			pc.Close()
			logger.Info("WebRTC viewer closed")
		}()
		s.pumpTrack(ctx, logger, track, units, keyframe)
	}()

	return pc.LocalDescription(), nil
}

func (s *Server) pumpTrack(ctx context.Context, logger *slog.Logger, track *webrtc.TrackLocalStaticSample, units <-chan pipeline.Unit, keyframe []byte) {
	frameDuration := time.Second / time.Duration(s.cfg.FrameRate)

	if len(keyframe) > 0 {
		if err := track.WriteSample(media.Sample{Data: keyframe, Duration: frameDuration}); err != nil {
			logger.Debug("Failed to write keyframe sample", "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case unit, ok := <-units:
			if !ok {
				return
			}
			// Parameter sets share the timestamp of the picture that follows.
			duration := frameDuration
			if unit.Kind.IsParameterSet() {
				duration = 0
			}
			if err := track.WriteSample(media.Sample{Data: unit.Data, Duration: duration}); err != nil {
				logger.Debug("Failed to write sample", "error", err)
				return
			}
		}
	}
}

func (s *Server) closePeers() {
	s.peersMu.Lock()
	peers := make([]*webrtc.PeerConnection, 0, len(s.peers))
	for _, pc := range s.peers {
		peers = append(peers, pc)
	}
	s.peersMu.Unlock()

	for _, pc := range peers {
		if err := pc.Close(); err != nil {
			s.logger.Debug("Failed to close peer connection", "error", err)
		}
	}
}

// PeerCount reports the number of live WebRTC viewers.
func (s *Server) PeerCount() int {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	return len(s.peers)
}
