package pipeline

import (
	"bytes"
	"io"
	"log/slog"
	"testing"

	"github.com/babelcloud/gbox/packages/remoteplay/internal/remoteplay/framestore"
	"github.com/babelcloud/gbox/packages/remoteplay/internal/remoteplay/h264"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func unit(nalHeader byte, size int) []byte {
	buf := make([]byte, size)
	copy(buf, []byte{0, 0, 0, 1, nalHeader})
	for i := 5; i < size; i++ {
		buf[i] = byte(i * 7)
	}
	return buf
}

func newTestPipeline(maxFrame int, opts ...Option) (*Pipeline, *framestore.Store, *Stats) {
	store := framestore.New(maxFrame)
	stats := NewStats()
	opts = append([]Option{WithMetrics(stats), WithLogger(testLogger())}, opts...)
	return New(store, h264.NewClassifier(0), opts...), store, stats
}

func TestPipeline_ParameterSetThenIDR(t *testing.T) {
	p, store, stats := newTestPipeline(0)
	dst := make([]byte, framestore.DefaultMaxFrameSize)

	a := unit(0x67, 10)
	assert.True(t, p.HandleVideoSample(a, 0, false))

	n, seq := store.ReadLatest(dst)
	assert.Equal(t, 10, n)
	assert.Equal(t, uint64(1), seq)
	assert.False(t, store.HasKeyframe())

	b := unit(0x65, 100)
	assert.True(t, p.HandleVideoSample(b, 0, false))

	n, seq = store.ReadLatest(dst)
	assert.Equal(t, 100, n)
	assert.Equal(t, uint64(2), seq)
	assert.Equal(t, b, dst[:n])
	assert.True(t, store.HasKeyframe())

	k := store.ReadKeyframe(dst)
	require.Equal(t, 110, k)
	assert.Equal(t, a, dst[:10])
	assert.Equal(t, b, dst[10:110])

	snap := stats.Snapshot()
	assert.Equal(t, uint64(2), snap.Units)
	assert.Equal(t, uint64(1), snap.ParameterSets)
	assert.Equal(t, uint64(1), snap.KeyUnits)
	assert.Equal(t, uint64(1), snap.Keyframes)
	assert.Equal(t, int64(100), snap.MaxUnitSize)
	assert.Equal(t, int64(110), snap.LastKeyframe)
	assert.False(t, snap.LastUnitAt.IsZero())
}

func TestPipeline_ZeroLengthUnitIsNoop(t *testing.T) {
	p, store, stats := newTestPipeline(0)

	a := unit(0x41, 16)
	p.HandleVideoSample(a, 0, false)
	assert.True(t, p.HandleVideoSample(nil, 0, false))
	assert.True(t, p.HandleVideoSample([]byte{}, 3, true))

	latest, seq := store.Latest()
	assert.Equal(t, a, latest)
	assert.Equal(t, uint64(1), seq)
	assert.Equal(t, uint64(1), stats.Snapshot().Units)
	assert.Zero(t, stats.Snapshot().FramesLost)
}

func TestPipeline_SequenceCountsAcceptedUnits(t *testing.T) {
	p, store, _ := newTestPipeline(0)

	units := [][]byte{unit(0x67, 9), {}, unit(0x68, 6), unit(0x65, 40), nil, unit(0x41, 12), unit(0x41, 13)}
	accepted := 0
	for _, u := range units {
		p.HandleVideoSample(u, 0, false)
		if len(u) == 0 {
			continue
		}
		accepted++

		latest, seq := store.Latest()
		assert.Equal(t, u, latest)
		assert.Equal(t, uint64(accepted), seq)
	}
}

func TestPipeline_IntraWithoutParameterSet(t *testing.T) {
	p, store, stats := newTestPipeline(0)

	p.HandleVideoSample(unit(0x65, 50), 0, false)
	assert.False(t, store.HasKeyframe())
	assert.Zero(t, stats.Snapshot().OversizeSkips)

	ps := unit(0x67, 8)
	idr := unit(0x65, 60)
	p.HandleVideoSample(ps, 0, false)
	p.HandleVideoSample(idr, 0, false)
	assert.Equal(t, append(append([]byte{}, ps...), idr...), store.Keyframe())
}

func TestPipeline_KeyframeUsesLatestParameterSet(t *testing.T) {
	p, store, _ := newTestPipeline(0)

	p.HandleVideoSample(unit(0x67, 8), 0, false)
	second := unit(0x67, 11)
	p.HandleVideoSample(second, 0, false)

	idr := unit(0x65, 30)
	p.HandleVideoSample(idr, 0, false)
	assert.Equal(t, append(append([]byte{}, second...), idr...), store.Keyframe())
}

func TestPipeline_OversizeKeyframeIsSkipped(t *testing.T) {
	p, store, stats := newTestPipeline(128)

	ps := unit(0x67, 20)
	first := unit(0x65, 100)
	p.HandleVideoSample(ps, 0, false)
	p.HandleVideoSample(first, 0, false)
	before := store.Keyframe()
	require.Len(t, before, 120)

	big := unit(0x65, 109)
	p.HandleVideoSample(big, 0, false)

	assert.True(t, store.HasKeyframe())
	assert.Equal(t, before, store.Keyframe())
	latest, _ := store.Latest()
	assert.Equal(t, big, latest)
	assert.Equal(t, uint64(1), stats.Snapshot().OversizeSkips)
}

func TestPipeline_LargeUnitHeuristic(t *testing.T) {
	store := framestore.New(0)
	p := New(store, h264.NewClassifier(64), WithLogger(testLogger()))

	ps := unit(0x67, 10)
	p.HandleVideoSample(ps, 0, false)

	slice := unit(0x41, 65)
	p.HandleVideoSample(slice, 0, false)
	assert.Equal(t, append(append([]byte{}, ps...), slice...), store.Keyframe())
}

func TestPipeline_UnclassifiableUnitIsStoredOnly(t *testing.T) {
	p, store, stats := newTestPipeline(0)

	p.HandleVideoSample(unit(0x67, 10), 0, false)
	garbage := bytes.Repeat([]byte{0xFF}, 600)
	p.HandleVideoSample(garbage, 0, false)

	latest, seq := store.Latest()
	assert.Equal(t, garbage, latest)
	assert.Equal(t, uint64(2), seq)
	assert.False(t, store.HasKeyframe())
	assert.Equal(t, uint64(1), stats.Snapshot().Unclassified)
}

func TestPipeline_LargeParameterSetAlsoSynthesizes(t *testing.T) {
	p, store, stats := newTestPipeline(0)

	p.HandleVideoSample(unit(0x67, 10), 0, false)
	big := unit(0x67, 60005)
	p.HandleVideoSample(big, 0, false)

	assert.Equal(t, big, store.ParameterSets())
	require.True(t, store.HasKeyframe())
	assert.Equal(t, 2*len(big), store.KeyframeSize())

	snap := stats.Snapshot()
	assert.Equal(t, uint64(2), snap.ParameterSets)
	assert.Equal(t, uint64(1), snap.KeyUnits)
	assert.Equal(t, uint64(1), snap.Keyframes)
	assert.Equal(t, int64(2*len(big)), snap.LastKeyframe)
}

func TestPipeline_LossAccounting(t *testing.T) {
	p, _, stats := newTestPipeline(0)

	p.HandleVideoSample(unit(0x41, 10), 2, false)
	p.HandleVideoSample(unit(0x41, 10), 0, true)
	p.HandleVideoSample(unit(0x41, 10), 3, true)

	snap := stats.Snapshot()
	assert.Equal(t, int64(5), snap.FramesLost)
	assert.Equal(t, uint64(2), snap.Recovered)
}

func TestPipeline_BroadcastsCopies(t *testing.T) {
	b := NewBroadcaster(testLogger())
	p, _, _ := newTestPipeline(0, WithBroadcaster(b))

	ch := b.Subscribe("viewer", 4)

	buf := unit(0x67, 10)
	p.HandleVideoSample(buf, 0, false)
	buf[5] = 0xEE

	got := <-ch
	assert.Equal(t, uint64(1), got.Seq)
	assert.Equal(t, h264.KindParameterSet, got.Kind)
	assert.NotEqual(t, byte(0xEE), got.Data[5])
}
