package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/gbox/packages/remoteplay/internal/remoteplay/controller"
	"github.com/babelcloud/gbox/packages/remoteplay/internal/remoteplay/engine"
	"github.com/babelcloud/gbox/packages/remoteplay/internal/remoteplay/pipeline"
	"github.com/babelcloud/gbox/packages/remoteplay/internal/remoteplay/session"
)

var (
	testSPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9,
		0x20,
	}
	testPPS = []byte{0x68, 0xce, 0x38, 0x80}
	testIDR = []byte{0x65, 0x88, 0x84, 0x00, 0x10}
)

func annexB(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, 0, 0, 0, 1)
		out = append(out, n...)
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSession struct {
	mu       sync.Mutex
	frame    []byte
	seq      uint64
	keyframe []byte
	sent     []controller.State

	connected atomic.Bool
	refreshes atomic.Int32

	broadcaster *pipeline.Broadcaster
	controller  *controller.Controller
}

func newFakeSession() *fakeSession {
	f := &fakeSession{broadcaster: pipeline.NewBroadcaster(testLogger())}
	f.controller = controller.New(f, testLogger())
	return f
}

func (f *fakeSession) setFrame(data []byte, seq uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frame, f.seq = data, seq
}

func (f *fakeSession) setKeyframe(kf []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keyframe = kf
}

func (f *fakeSession) sentStates() []controller.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]controller.State(nil), f.sent...)
}

func (f *fakeSession) ID() string                    { return "test-session" }
func (f *fakeSession) IsConnected() bool             { return f.connected.Load() }
func (f *fakeSession) Quit() (bool, engine.Event)    { return false, engine.Event{} }
func (f *fakeSession) Stats() pipeline.StatsSnapshot { return pipeline.StatsSnapshot{Units: 3} }

func (f *fakeSession) Frame() ([]byte, uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.frame...), f.seq
}

func (f *fakeSession) Keyframe() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keyframe == nil {
		return nil
	}
	return append([]byte(nil), f.keyframe...)
}

func (f *fakeSession) FrameSequence() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seq
}

func (f *fakeSession) FrameSize() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frame)
}

func (f *fakeSession) KeyframeSize() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.keyframe)
}

func (f *fakeSession) HasKeyframe() bool { return f.KeyframeSize() > 0 }

func (f *fakeSession) RequestRefresh() error {
	if !f.connected.Load() {
		return session.ErrNotConnected
	}
	f.refreshes.Add(1)
	return nil
}

func (f *fakeSession) SetControllerState(s controller.State) error {
	if !f.connected.Load() {
		return session.ErrNotConnected
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, s)
	return nil
}

func (f *fakeSession) Controller() *controller.Controller { return f.controller }
func (f *fakeSession) Broadcaster() *pipeline.Broadcaster { return f.broadcaster }

func newTestServer(t *testing.T, token string) (*fakeSession, *Server) {
	t.Helper()
	sess := newFakeSession()
	srv := NewServer(sess, Config{Token: token, Logger: testLogger()})
	return sess, srv
}

func do(t *testing.T, h http.Handler, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatus(t *testing.T) {
	sess, srv := newTestServer(t, "")
	sess.connected.Store(true)
	sess.setFrame([]byte{0, 0, 0, 1, 0x41}, 9)
	sess.setKeyframe(annexB(testSPS, testPPS, testIDR))

	rec := do(t, srv.Handler(), http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "test-session", resp.ID)
	assert.True(t, resp.Connected)
	assert.False(t, resp.Quit)
	assert.Equal(t, uint64(9), resp.Sequence)
	assert.Equal(t, 5, resp.FrameSize)
	assert.True(t, resp.HasKeyframe)
	assert.Equal(t, uint64(3), resp.Stats.Units)

	rec = do(t, srv.Handler(), http.MethodPost, "/api/status", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestFrame(t *testing.T) {
	sess, srv := newTestServer(t, "")
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/api/frame", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	unit := []byte{0, 0, 0, 1, 0x41, 0x9a}
	sess.setFrame(unit, 4)

	rec = do(t, h, http.MethodGet, "/api/frame", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, unit, rec.Body.Bytes())
	assert.Equal(t, "4", rec.Header().Get("X-Frame-Seq"))
	assert.Equal(t, "video/h264", rec.Header().Get("Content-Type"))

	rec = do(t, h, http.MethodGet, "/api/frame?since=4", "")
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Zero(t, rec.Body.Len())

	rec = do(t, h, http.MethodGet, "/api/frame?since=3", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/frame?since=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestKeyframe(t *testing.T) {
	sess, srv := newTestServer(t, "")
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/api/keyframe", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	kf := annexB(testSPS, testPPS, testIDR)
	sess.setKeyframe(kf)

	rec = do(t, h, http.MethodGet, "/api/keyframe", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, kf, rec.Body.Bytes())

	rec = do(t, h, http.MethodGet, "/api/keyframe?format=mp4", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Equal(t, "ftyp", string(rec.Body.Bytes()[4:8]))

	rec = do(t, h, http.MethodGet, "/api/keyframe?format=gif", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefresh(t *testing.T) {
	sess, srv := newTestServer(t, "")
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/api/refresh", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Zero(t, sess.refreshes.Load())

	sess.connected.Store(true)
	rec = do(t, h, http.MethodPost, "/api/refresh", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, int32(1), sess.refreshes.Load())

	rec = do(t, h, http.MethodGet, "/api/refresh", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestControllerState(t *testing.T) {
	sess, srv := newTestServer(t, "")
	h := srv.Handler()

	body := `{"buttons":3,"l2":200,"left_x":-100}`
	rec := do(t, h, http.MethodPost, "/api/controller", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, sess.sentStates())

	sess.connected.Store(true)
	rec = do(t, h, http.MethodPost, "/api/controller", body)
	require.Equal(t, http.StatusOK, rec.Code)

	sent := sess.sentStates()
	require.Len(t, sent, 1)
	assert.Equal(t, controller.ButtonCross|controller.ButtonCircle, sent[0].Buttons)
	assert.Equal(t, uint8(200), sent[0].L2)
	assert.Equal(t, int16(-100), sent[0].LeftX)

	rec = do(t, h, http.MethodGet, "/api/controller", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var state controller.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, sent[0], state)

	rec = do(t, h, http.MethodPost, "/api/controller", "{")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPress(t *testing.T) {
	sess, srv := newTestServer(t, "")
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/api/press", `{"button":"cross","hold_ms":1}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	sess.connected.Store(true)
	rec = do(t, h, http.MethodPost, "/api/press", `{"button":"jump"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/press", `{"button":"cross","hold_ms":1}`)
	require.Equal(t, http.StatusOK, rec.Code)

	sent := sess.sentStates()
	require.Len(t, sent, 2)
	assert.Equal(t, controller.ButtonCross, sent[0].Buttons)
	assert.Equal(t, controller.Button(0), sent[1].Buttons)
}

func TestAuth(t *testing.T) {
	sess, srv := newTestServer(t, "secret")
	sess.setFrame([]byte{0, 0, 0, 1, 0x41}, 1)
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/status?token=wrong", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/status?token=secret", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/frame", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGenerateToken(t *testing.T) {
	a, b := GenerateToken(), GenerateToken()
	assert.Len(t, a, tokenLength)
	assert.NotEqual(t, a, b)
}

func TestIndexPage(t *testing.T) {
	_, srv := newTestServer(t, "")
	rec := do(t, srv.Handler(), http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/api/webrtc/offer")
}

func TestH264Stream(t *testing.T) {
	sess, srv := newTestServer(t, "")
	kf := annexB(testSPS, testPPS, testIDR)
	sess.setKeyframe(kf)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/stream.h264")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "video/h264", resp.Header.Get("Content-Type"))

	got := make([]byte, len(kf))
	_, err = io.ReadFull(resp.Body, got)
	require.NoError(t, err)
	assert.Equal(t, kf, got)

	require.Eventually(t, func() bool { return sess.broadcaster.SubscriberCount() == 1 },
		time.Second, 10*time.Millisecond)

	unit := []byte{0, 0, 0, 1, 0x41, 0x01, 0x02}
	sess.broadcaster.Broadcast(pipeline.Unit{Data: unit, Seq: 2})

	got = make([]byte, len(unit))
	_, err = io.ReadFull(resp.Body, got)
	require.NoError(t, err)
	assert.Equal(t, unit, got)

	sess.broadcaster.Close()
	rest, _ := io.ReadAll(resp.Body)
	assert.Empty(t, rest)
}

func TestWebSocketStream(t *testing.T) {
	sess, srv := newTestServer(t, "")
	sess.connected.Store(true)
	kf := annexB(testSPS, testPPS, testIDR)
	sess.setKeyframe(kf)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, kf, data)

	require.Eventually(t, func() bool { return sess.broadcaster.SubscriberCount() == 1 },
		time.Second, 10*time.Millisecond)
	unit := []byte{0, 0, 0, 1, 0x41, 0x07}
	sess.broadcaster.Broadcast(pipeline.Unit{Data: unit, Seq: 5})

	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, unit, data)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"request_keyframe"}`)))
	require.Eventually(t, func() bool { return sess.refreshes.Load() == 1 },
		time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return sess.broadcaster.SubscriberCount() == 0 },
		time.Second, 10*time.Millisecond)
}

func TestWebRTCOffer(t *testing.T) {
	sess, srv := newTestServer(t, "")
	sess.setKeyframe(annexB(testSPS, testPPS, testIDR))
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/api/webrtc/offer", `{"type":"offer"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	client, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer client.Close()
	_, err = client.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly})
	require.NoError(t, err)

	offer, err := client.CreateOffer(nil)
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(client)
	require.NoError(t, client.SetLocalDescription(offer))
	<-gathered

	body, err := json.Marshal(client.LocalDescription())
	require.NoError(t, err)
	rec = do(t, h, http.MethodPost, "/api/webrtc/offer", string(body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var answer webrtc.SessionDescription
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &answer))
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	assert.Contains(t, answer.SDP, "H264")
	require.NoError(t, client.SetRemoteDescription(answer))

	assert.Equal(t, 1, srv.PeerCount())
	assert.Equal(t, 1, sess.broadcaster.SubscriberCount())

	srv.closePeers()
	require.Eventually(t, func() bool { return srv.PeerCount() == 0 },
		2*time.Second, 10*time.Millisecond)
	assert.Zero(t, sess.broadcaster.SubscriberCount())
}

func TestServeShutsDownOnCancel(t *testing.T) {
	_, srv := newTestServer(t, "")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/api/status"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestRespondSessionError(t *testing.T) {
	_, srv := newTestServer(t, "")

	rec := httptest.NewRecorder()
	srv.respondSessionError(rec, session.ErrDestroyed)
	assert.Equal(t, http.StatusGone, rec.Code)

	rec = httptest.NewRecorder()
	srv.respondSessionError(rec, io.ErrUnexpectedEOF)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.True(t, bytes.Contains(rec.Body.Bytes(), []byte("unexpected EOF")))
}
