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

type RecordOptions struct {
	Session  SessionOptions
	Output   string
	Format   string
	Duration time.Duration
}

func NewRecordCommand() *cobra.Command {
	opts := &RecordOptions{}

	cmd := &cobra.Command{
		Use:   "record [host]",
		Short: "Record the live stream to a file",
		Long: `Record the console's video stream, starting from a fresh keyframe, until interrupted or the
duration elapses. Raw H.264 can be piped to a player with -o -.`,
		Args:              cobra.MaximumNArgs(1),
		ValidArgsFunction: completeHostNames,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ExecuteRecord(cmd, hostArg(args), opts)
		},
		Example: `  # Record 30 seconds into a Matroska file:
  remoteplay record "Living Room" -o session.mkv --duration 30s

  # Pipe the raw stream into ffplay:
  remoteplay record "Living Room" -o - | ffplay -f h264 -`,
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.Output, "output", "o", "", "Output file, or - for stdout (required)")
	flags.StringVar(&opts.Format, "format", "", "Container: h264 or mkv (default from the output extension, h264 for stdout)")
	flags.DurationVar(&opts.Duration, "duration", 0, "Stop after this long (default until interrupted)")
	addSessionFlags(cmd, &opts.Session)
	cmd.MarkFlagRequired("output")

	cmd.RegisterFlagCompletionFunc("format", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{string(snapshot.FormatH264), string(snapshot.FormatMKV)}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

// recordFormat picks the container from the flag, else the output extension.
func recordFormat(flag, output string) (snapshot.Format, error) {
	if flag != "" {
		return snapshot.ParseFormat(flag)
	}
	switch strings.ToLower(filepath.Ext(output)) {
	case ".mkv", ".webm":
		return snapshot.FormatMKV, nil
	default:
		return snapshot.FormatH264, nil
	}
}

func ExecuteRecord(cmd *cobra.Command, host string, opts *RecordOptions) error {
	format, err := recordFormat(opts.Format, opts.Output)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var out io.Writer = os.Stdout
	if opts.Output != "-" {
		f, err := os.Create(opts.Output)
		if err != nil {
			return fmt.Errorf("failed to create %s: %v", opts.Output, err)
		}
		defer f.Close()
		out = f
	}

	sess, profile, err := startSession(ctx, host, &opts.Session)
	if err != nil {
		return err
	}
	defer sess.Destroy()

	spin := util.NewSpinner(verbose, "Waiting for keyframe...")
	if err := sess.RequestRefresh(); err != nil {
		spin.Fail("Keyframe request failed")
		return err
	}
	if _, err := sess.WaitKeyframe(ctx, config.GetKeyframeTimeout()); err != nil {
		spin.Fail("No keyframe")
		return err
	}
	spin.Stop()

	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	rec := snapshot.NewRecorder(sess, out, format,
		snapshot.WithRecorderLogger(util.GetLogger()),
		snapshot.WithDimensions(profile.Width, profile.Height),
	)
	util.GetLogger().Info("Recording", "output", opts.Output, "format", format)

	stats, err := rec.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Recorded %d units (%d missed, %.1f MB) in %s, %.1f units/s\n",
		stats.Sent, stats.Missed, float64(stats.Bytes)/(1024*1024),
		stats.Elapsed.Truncate(time.Second), stats.FPS())
	return nil
}
