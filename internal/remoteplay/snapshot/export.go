// Package snapshot turns synthesized keyframes and the live unit stream into
// files: raw Annex-B, single-sample MP4, PNG (through ffmpeg) and Matroska
// recordings.
package snapshot

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"strings"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/remoteplay/internal/remoteplay/h264"
)

const (
	videoTrackID   = 1
	videoTimeScale = 90000
)

// ErrNotAnnexB is returned for buffers that do not begin with a start code.
var ErrNotAnnexB = errors.New("data is not an Annex-B stream")

// WriteAnnexB writes a keyframe as a raw H.264 elementary stream, which is
// already its in-memory layout.
func WriteAnnexB(w io.Writer, keyframe []byte) error {
	if !h264.HasStartCode(keyframe) {
		return ErrNotAnnexB
	}
	if _, err := w.Write(keyframe); err != nil {
		return errors.Wrap(err, "write h264")
	}
	return nil
}

// WriteMP4 wraps a keyframe (parameter sets followed by an IDR) into a
// fragmented MP4 holding a single sync sample.
func WriteMP4(w io.Writer, keyframe []byte) error {
	if !h264.HasStartCode(keyframe) {
		return ErrNotAnnexB
	}

	sps, pps, ok := h264.ParameterSets(keyframe)
	if !ok {
		return errors.New("keyframe has no SPS/PPS")
	}
	nalus, err := h264.StripParameterSets(keyframe)
	if err != nil {
		return errors.Wrap(err, "split keyframe")
	}
	if len(nalus) == 0 {
		return errors.New("keyframe has no picture data")
	}

	init := &fmp4.Init{
		Tracks: []*fmp4.InitTrack{{
			ID:        videoTrackID,
			TimeScale: videoTimeScale,
			Codec:     &mp4.CodecH264{SPS: sps, PPS: pps},
		}},
	}
	var initBuf seekablebuffer.Buffer
	if err := init.Marshal(&initBuf); err != nil {
		return errors.Wrap(err, "marshal init segment")
	}

	payload, err := h264.MarshalAVCC(nalus)
	if err != nil {
		return errors.Wrap(err, "convert keyframe to AVCC")
	}
	part := &fmp4.Part{
		SequenceNumber: 1,
		Tracks: []*fmp4.PartTrack{{
			ID: videoTrackID,
			Samples: []*fmp4.Sample{{
				Duration: videoTimeScale / 30,
				Payload:  payload,
			}},
		}},
	}
	var partBuf seekablebuffer.Buffer
	if err := part.Marshal(&partBuf); err != nil {
		return errors.Wrap(err, "marshal media part")
	}

	if _, err := w.Write(initBuf.Bytes()); err != nil {
		return errors.Wrap(err, "write init segment")
	}
	if _, err := w.Write(partBuf.Bytes()); err != nil {
		return errors.Wrap(err, "write media part")
	}
	return nil
}

// DecodePNG asks ffmpeg to decode the first frame of an H.264 file into a PNG.
func DecodePNG(ctx context.Context, ffmpegPath, h264Path, pngPath string) error {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, ffmpegPath,
		"-y", "-loglevel", "error",
		"-i", h264Path,
		"-frames:v", "1",
		pngPath,
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(out.String())
		if msg == "" {
			return errors.Wrap(err, "ffmpeg")
		}
		return errors.Wrapf(err, "ffmpeg: %s", msg)
	}
	return nil
}
