package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/browser"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/babelcloud/gbox/packages/remoteplay/config"
	"github.com/babelcloud/gbox/packages/remoteplay/internal/remoteplay/api"
	"github.com/babelcloud/gbox/packages/remoteplay/internal/remoteplay/session"
	"github.com/babelcloud/gbox/packages/remoteplay/internal/util"
)

const quitPollInterval = time.Second

var errSessionEnded = errors.New("session ended")

type ServeOptions struct {
	Session SessionOptions
	Addr    string
	Auth    bool
	Token   string
	Open    bool
}

func NewServeCommand() *cobra.Command {
	opts := &ServeOptions{}

	cmd := &cobra.Command{
		Use:   "serve [host]",
		Short: "Serve the live stream and controller over HTTP",
		Long: `Start a session and expose it on a local HTTP server: frame and keyframe polling, raw H.264 over
chunked HTTP and WebSocket, a WebRTC preview page and controller input.`,
		Args:              cobra.MaximumNArgs(1),
		ValidArgsFunction: completeHostNames,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ExecuteServe(cmd, hostArg(args), opts)
		},
		Example: `  # Serve on the default address and open the preview page:
  remoteplay serve "Living Room" --open

  # Listen on all interfaces with a generated access token:
  remoteplay serve "Living Room" --addr 0.0.0.0:28091 --auth`,
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.Addr, "addr", "", "Listen address (default from config: server.addr)")
	flags.BoolVar(&opts.Auth, "auth", false, "Require an access token (generated unless --token is given)")
	flags.StringVar(&opts.Token, "token", "", "Access token to require")
	flags.BoolVar(&opts.Open, "open", false, "Open the preview page in a browser")
	addSessionFlags(cmd, &opts.Session)

	return cmd
}

func ExecuteServe(cmd *cobra.Command, host string, opts *ServeOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := opts.Addr
	if addr == "" {
		addr = config.GetServerAddr()
	}
	token := opts.Token
	if token == "" && opts.Auth {
		token = api.GenerateToken()
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %v", addr, err)
	}
	defer ln.Close()

	sess, profile, err := startSession(ctx, host, &opts.Session)
	if err != nil {
		return err
	}
	defer sess.Destroy()

	srv := api.NewServer(sess, api.Config{
		Addr:      addr,
		Token:     token,
		FrameRate: profile.MaxFPS,
		Logger:    util.GetLogger(),
	})

	url := "http://" + ln.Addr().String() + "/"
	if token != "" {
		url += "?token=" + token
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Serving %s at %s\n", color.New(color.Bold).Sprint(sess.ID()[:8]), color.CyanString(url))
	fmt.Fprintln(cmd.OutOrStdout(), color.New(color.Faint).Sprint("Press Ctrl+C to stop."))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Serve(ctx, ln)
	})

	g.Go(func() error {
		return watchSession(ctx, sess)
	})

	if opts.Open {
		if err := browser.OpenURL(url); err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), "Failed to open browser automatically, please visit the link above manually")
		}
	}

	if err := g.Wait(); err != nil && !errors.Is(err, errSessionEnded) {
		return err
	}
	return nil
}

// watchSession returns once the engine quits so the server goes down with it.
func watchSession(ctx context.Context, sess *session.Session) error {
	ticker := time.NewTicker(quitPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			quit, ev := sess.Quit()
			if !quit {
				continue
			}
			if ev.QuitReason.IsError() {
				return fmt.Errorf("session quit: %s %s", ev.QuitReason, ev.QuitReasonStr)
			}
			util.GetLogger().Info("Session ended", "reason", ev.QuitReason, "detail", ev.QuitReasonStr)
			return errSessionEnded
		}
	}
}
