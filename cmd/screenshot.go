package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/babelcloud/gbox/packages/remoteplay/config"
	"github.com/babelcloud/gbox/packages/remoteplay/internal/remoteplay/snapshot"
	"github.com/babelcloud/gbox/packages/remoteplay/internal/util"
)

// The console needs a moment after the PS button before the home screen
// renders.
const wakeSettle = 1500 * time.Millisecond

type ScreenshotOptions struct {
	Session SessionOptions
	Output  string
	Raw     string
	MP4     string
	NoWake  bool
}

func NewScreenshotCommand() *cobra.Command {
	opts := &ScreenshotOptions{}

	cmd := &cobra.Command{
		Use:   "screenshot [host]",
		Short: "Capture a single keyframe from a console",
		Long: `Connect, wake the console with the PS button, request a fresh keyframe and save it.
The output format follows the file extension: .png/.jpg (decoded with ffmpeg), .mp4 or .h264.`,
		Args:              cobra.MaximumNArgs(1),
		ValidArgsFunction: completeHostNames,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ExecuteScreenshot(cmd, hostArg(args), opts)
		},
		Example: `  # Screenshot the console registered as "Living Room":
  remoteplay screenshot "Living Room" -o home.png

  # Keep the raw keyframe and an MP4 next to the PNG:
  remoteplay screenshot "Living Room" -o home.png --raw home.h264 --mp4 home.mp4

  # Take the first keyframe of a recording instead of a live console:
  remoteplay screenshot --engine replay --source capture.h264 -o frame.png`,
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.Output, "output", "o", "", "Output file (default screenshot-<time>.png)")
	flags.StringVar(&opts.Raw, "raw", "", "Also write the raw Annex-B keyframe here")
	flags.StringVar(&opts.MP4, "mp4", "", "Also write a single-frame MP4 here")
	flags.BoolVar(&opts.NoWake, "no-wake", false, "Do not press the PS button before capturing")
	addSessionFlags(cmd, &opts.Session)

	return cmd
}

func ExecuteScreenshot(cmd *cobra.Command, host string, opts *ScreenshotOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	output := opts.Output
	if output == "" {
		output = fmt.Sprintf("screenshot-%s.png", time.Now().Format("20060102-150405"))
	}

	sess, _, err := startSession(ctx, host, &opts.Session)
	if err != nil {
		return err
	}
	defer sess.Destroy()

	if !opts.NoWake {
		if err := sess.Controller().Press(ctx, "ps", 0); err != nil {
			return fmt.Errorf("failed to press PS button: %v", err)
		}
		select {
		case <-time.After(wakeSettle):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	spin := util.NewSpinner(verbose, "Waiting for keyframe...")
	if err := sess.RequestRefresh(); err != nil {
		spin.Fail("Keyframe request failed")
		return err
	}
	timeout := config.GetKeyframeTimeout()
	keyframe, err := sess.WaitKeyframe(ctx, timeout)
	if err != nil {
		spin.Fail(fmt.Sprintf("No keyframe within %s", timeout))
		return err
	}
	spin.Success(fmt.Sprintf("Keyframe received (%d bytes)", len(keyframe)))

	saved := func(path string) { fmt.Fprintf(cmd.OutOrStdout(), "Saved %s\n", path) }

	if err := writeKeyframe(ctx, output, keyframe, config.GetFFmpegPath()); err != nil {
		return err
	}
	saved(output)

	// --raw and --mp4 name their format, so the extension does not matter.
	if opts.Raw != "" {
		if err := saveKeyframe(opts.Raw, keyframe, snapshot.WriteAnnexB); err != nil {
			return err
		}
		saved(opts.Raw)
	}
	if opts.MP4 != "" {
		if err := saveKeyframe(opts.MP4, keyframe, snapshot.WriteMP4); err != nil {
			return err
		}
		saved(opts.MP4)
	}
	return nil
}

// writeKeyframe saves keyframe in the format implied by path's extension.
// Image formats go through a temporary .h264 file and ffmpeg.
func writeKeyframe(ctx context.Context, path string, keyframe []byte, ffmpegPath string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".h264", ".264":
		return saveKeyframe(path, keyframe, snapshot.WriteAnnexB)
	case ".mp4":
		return saveKeyframe(path, keyframe, snapshot.WriteMP4)
	case ".png", ".jpg", ".jpeg", ".bmp":
		if err := ensureDir(path); err != nil {
			return err
		}
		tmp, err := os.CreateTemp("", "remoteplay-*.h264")
		if err != nil {
			return fmt.Errorf("failed to create temp file: %v", err)
		}
		defer os.Remove(tmp.Name())
		if err := snapshot.WriteAnnexB(tmp, keyframe); err != nil {
			tmp.Close()
			return err
		}
		if err := tmp.Close(); err != nil {
			return err
		}
		return snapshot.DecodePNG(ctx, ffmpegPath, tmp.Name(), path)
	default:
		return fmt.Errorf("unsupported output format %q (want .png, .jpg, .mp4 or .h264)", filepath.Ext(path))
	}
}

// saveKeyframe creates path and writes keyframe into it with write.
func saveKeyframe(path string, keyframe []byte, write func(io.Writer, []byte) error) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %v", path, err)
	}
	if err := write(f, keyframe); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func ensureDir(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %v", dir, err)
		}
	}
	return nil
}
