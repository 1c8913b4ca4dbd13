package snapshot

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"
	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/remoteplay/internal/remoteplay/h264"
)

// Format selects the recording container.
type Format string

const (
	FormatH264 Format = "h264"
	FormatMKV  Format = "mkv"
)

// ParseFormat accepts "h264" (also "annexb", "raw") or "mkv".
func ParseFormat(s string) (Format, error) {
	switch s {
	case "h264", "annexb", "raw", "":
		return FormatH264, nil
	case "mkv", "matroska":
		return FormatMKV, nil
	}
	return "", fmt.Errorf("unsupported recording format %q (want h264 or mkv)", s)
}

const defaultRecordPoll = 2 * time.Millisecond

// FrameSource is what a Recorder polls; a session satisfies it.
type FrameSource interface {
	Frame() ([]byte, uint64)
	Keyframe() []byte
	FrameSequence() uint64
}

// RecorderStats summarizes a recording.
type RecorderStats struct {
	Sent    uint64        `json:"sent"`
	Missed  uint64        `json:"missed"`
	Bytes   int64         `json:"bytes"`
	Elapsed time.Duration `json:"elapsed"`
}

// FPS is the average delivered frame rate.
func (s RecorderStats) FPS() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Sent) / s.Elapsed.Seconds()
}

type sink interface {
	WriteUnit(data []byte, key bool, at time.Duration) error
	Close() error
}

// Recorder polls a FrameSource and writes the keyframe followed by every new
// unit. Units replaced before a poll sees them are counted as missed.
type Recorder struct {
	src        FrameSource
	w          io.Writer
	format     Format
	width      int
	height     int
	poll       time.Duration
	logger     *slog.Logger
	classifier h264.Classifier
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithPollInterval sets how often the source is polled.
func WithPollInterval(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.poll = d
		}
	}
}

// WithRecorderLogger sets the recorder's logger.
func WithRecorderLogger(logger *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithDimensions records the video size in the Matroska track header.
func WithDimensions(width, height int) RecorderOption {
	return func(r *Recorder) {
		r.width, r.height = width, height
	}
}

// NewRecorder creates a recorder writing format to w.
func NewRecorder(src FrameSource, w io.Writer, format Format, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		src:        src,
		w:          w,
		format:     format,
		poll:       defaultRecordPoll,
		logger:     slog.Default(),
		classifier: h264.NewClassifier(0),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run records until ctx is done or a write fails. A keyframe must already be
// available: decoders cannot start from a delta unit. Cancellation is a
// normal stop and is not reported as an error.
func (r *Recorder) Run(ctx context.Context) (RecorderStats, error) {
	var stats RecorderStats

	keyframe := r.src.Keyframe()
	if keyframe == nil {
		return stats, errors.New("no keyframe to start the recording from")
	}
	lastSeq := r.src.FrameSequence()

	out, err := r.newSink()
	if err != nil {
		return stats, err
	}

	start := time.Now()
	finish := func(err error) (RecorderStats, error) {
		stats.Elapsed = time.Since(start)
		if cerr := out.Close(); err == nil && cerr != nil {
			err = errors.Wrap(cerr, "finalize recording")
		}
		r.logger.Info("Recording finished",
			"sent", stats.Sent, "missed", stats.Missed, "bytes", stats.Bytes,
			"elapsed", stats.Elapsed.Truncate(time.Millisecond), "fps", fmt.Sprintf("%.1f", stats.FPS()))
		return stats, err
	}

	if err := out.WriteUnit(keyframe, true, 0); err != nil {
		return finish(errors.Wrap(err, "write keyframe"))
	}
	stats.Sent, stats.Bytes = 1, int64(len(keyframe))

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return finish(nil)
		case <-ticker.C:
		}

		data, seq := r.src.Frame()
		if len(data) == 0 || seq <= lastSeq {
			continue
		}
		if seq > lastSeq+1 {
			stats.Missed += seq - lastSeq - 1
		}
		lastSeq = seq

		kind, nalType, _ := r.classifier.Classify(data)
		if err := out.WriteUnit(data, kind.IsKey(), time.Since(start)); err != nil {
			return finish(errors.Wrap(err, "write unit"))
		}
		stats.Sent++
		stats.Bytes += int64(len(data))

		if stats.Sent <= 10 || stats.Sent%100 == 0 {
			r.logger.Debug("Recorded unit",
				"n", stats.Sent, "size", len(data), "nal", nalType, "missed", stats.Missed)
		}
	}
}

func (r *Recorder) newSink() (sink, error) {
	switch r.format {
	case FormatH264, "":
		return &annexBSink{w: r.w}, nil
	case FormatMKV:
		return newMKVSink(r.w, r.width, r.height, r.logger)
	}
	return nil, fmt.Errorf("unsupported recording format %q", r.format)
}

type annexBSink struct {
	w io.Writer
}

func (s *annexBSink) WriteUnit(data []byte, _ bool, _ time.Duration) error {
	_, err := s.w.Write(data)
	return err
}

func (s *annexBSink) Close() error { return nil }

type mkvSink struct {
	video webm.BlockWriteCloser

	mu    sync.Mutex
	fatal error
}

func newMKVSink(w io.Writer, width, height int, logger *slog.Logger) (*mkvSink, error) {
	s := &mkvSink{}

	track := webm.TrackEntry{
		Name:        "Video",
		TrackNumber: 1,
		TrackUID:    1,
		CodecID:     "V_MPEG4/ISO/AVC",
		TrackType:   1,
	}
	if width > 0 && height > 0 {
		track.Video = &webm.Video{PixelWidth: uint64(width), PixelHeight: uint64(height)}
	}

	writers, err := webm.NewSimpleBlockWriter(nopCloser{w}, []webm.TrackEntry{track},
		mkvcore.WithOnFatalHandler(func(err error) {
			logger.Warn("Matroska writer failed", "error", err)
			s.mu.Lock()
			s.fatal = err
			s.mu.Unlock()
		}))
	if err != nil {
		return nil, errors.Wrap(err, "create matroska writer")
	}
	s.video = writers[0]
	return s, nil
}

// WriteUnit stores Annex-B data as is; timestamps are in milliseconds, the
// default Matroska timecode scale.
func (s *mkvSink) WriteUnit(data []byte, key bool, at time.Duration) error {
	s.mu.Lock()
	fatal := s.fatal
	s.mu.Unlock()
	if fatal != nil {
		return fatal
	}
	_, err := s.video.Write(key, at.Milliseconds(), data)
	return err
}

func (s *mkvSink) Close() error {
	return s.video.Close()
}

// nopCloser keeps the Matroska writer from closing the caller's writer.
type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
