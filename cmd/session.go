package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/babelcloud/gbox/packages/remoteplay/config"
	"github.com/babelcloud/gbox/packages/remoteplay/internal/remoteplay/engine"
	_ "github.com/babelcloud/gbox/packages/remoteplay/internal/remoteplay/engine/replay"
	"github.com/babelcloud/gbox/packages/remoteplay/internal/remoteplay/hosts"
	"github.com/babelcloud/gbox/packages/remoteplay/internal/remoteplay/session"
	"github.com/babelcloud/gbox/packages/remoteplay/internal/util"
)

// SessionOptions are the flags shared by every command that opens a session.
type SessionOptions struct {
	Engine       string
	Source       string
	Loop         bool
	Resolution   string
	FPS          int
	ChiakiConfig string
}

func addSessionFlags(cmd *cobra.Command, opts *SessionOptions) {
	flags := cmd.Flags()
	flags.StringVar(&opts.Engine, "engine", "", "Streaming engine (default from config: engine.name)")
	flags.StringVar(&opts.Source, "source", "", "Engine source, e.g. the .h264 recording for the replay engine")
	flags.BoolVar(&opts.Loop, "loop", false, "Loop file-backed sources")
	flags.StringVar(&opts.Resolution, "resolution", "", "Stream resolution: 360p, 540p, 720p or 1080p")
	flags.IntVar(&opts.FPS, "fps", 0, "Stream frame rate: 30 or 60")
	addChiakiConfigFlag(flags, &opts.ChiakiConfig)

	cmd.RegisterFlagCompletionFunc("engine", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return engine.Names(), cobra.ShellCompDirectiveNoFileComp
	})
	cmd.RegisterFlagCompletionFunc("resolution", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"360p", "540p", "720p", "1080p"}, cobra.ShellCompDirectiveNoFileComp
	})
	cmd.RegisterFlagCompletionFunc("fps", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"30", "60"}, cobra.ShellCompDirectiveNoFileComp
	})
}

func addChiakiConfigFlag(flags *pflag.FlagSet, path *string) {
	flags.StringVar(path, "chiaki-config", "", "Chiaki.conf holding registered hosts (default from config: chiaki.config_path)")
}

// completeHostNames completes the host argument from Chiaki.conf.
func completeHostNames(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	list, err := hosts.Load(config.GetChiakiConfigPath())
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	names := make([]string, 0, len(list))
	for _, h := range list {
		names = append(names, h.Name)
	}
	return names, cobra.ShellCompDirectiveNoFileComp
}

func (o *SessionOptions) engineName() string {
	if o.Engine != "" {
		return o.Engine
	}
	return config.GetEngineName()
}

func (o *SessionOptions) videoProfile() (engine.VideoProfile, error) {
	resName := o.Resolution
	if resName == "" {
		resName = config.GetResolution()
	}
	fps := o.FPS
	if fps == 0 {
		fps = config.GetFPS()
	}

	res, err := engine.ParseResolution(resName)
	if err != nil {
		return engine.VideoProfile{}, err
	}
	return engine.NewVideoProfile(res, fps)
}

func (o *SessionOptions) chiakiConfigPath() string {
	if o.ChiakiConfig != "" {
		return o.ChiakiConfig
	}
	return config.GetChiakiConfigPath()
}

// connectInfo resolves hostKey (a nickname or MAC) against Chiaki.conf. An
// empty key is only valid for engines that do not need a console.
func (o *SessionOptions) connectInfo(hostKey string, profile engine.VideoProfile) (engine.ConnectInfo, error) {
	if hostKey == "" {
		return engine.ConnectInfo{VideoProfile: profile}, nil
	}

	list, err := hosts.Load(o.chiakiConfigPath())
	if err != nil {
		return engine.ConnectInfo{}, err
	}
	h, err := hosts.Find(list, hostKey)
	if err != nil {
		return engine.ConnectInfo{}, err
	}

	addr := h.Address
	if addr == "" {
		return engine.ConnectInfo{}, fmt.Errorf("host %q has no address in %s", h.Name, o.chiakiConfigPath())
	}
	return engine.NewConnectInfo(addr, h.RegistKey, h.RPKey, config.GetPSNAccountID(), h.PS5, profile)
}

// openSession creates (but does not start) a session for hostKey.
func openSession(hostKey string, opts *SessionOptions, logger *slog.Logger) (*session.Session, engine.VideoProfile, error) {
	profile, err := opts.videoProfile()
	if err != nil {
		return nil, engine.VideoProfile{}, err
	}
	info, err := opts.connectInfo(hostKey, profile)
	if err != nil {
		return nil, engine.VideoProfile{}, err
	}

	source := opts.Source
	if source == "" {
		source = config.GetEngineSource()
	}
	eng, err := engine.New(opts.engineName(), engine.Options{
		Info:   info,
		Source: source,
		Loop:   opts.Loop || config.GetEngineLoop(),
		Logger: logger,
	})
	if err != nil {
		return nil, engine.VideoProfile{}, err
	}

	sess, err := session.Create(eng, session.Options{
		MaxFrameSize:       config.GetMaxFrameSize(),
		LargeUnitThreshold: config.GetLargeUnitThreshold(),
		PollInterval:       config.GetPollInterval(),
		Logger:             logger,
	})
	if err != nil {
		eng.Close()
		return nil, engine.VideoProfile{}, err
	}
	return sess, profile, nil
}

// startSession opens, starts and waits for a connected session. The caller
// must Destroy it.
func startSession(ctx context.Context, hostKey string, opts *SessionOptions) (*session.Session, engine.VideoProfile, error) {
	logger := util.GetLogger()

	sess, profile, err := openSession(hostKey, opts, logger)
	if err != nil {
		return nil, profile, err
	}

	spin := util.NewSpinner(verbose, "Connecting...")
	if err := sess.Start(); err != nil {
		spin.Fail("Failed to start session")
		sess.Destroy()
		return nil, profile, err
	}

	timeout := config.GetConnectTimeout()
	if !sess.WaitConnected(ctx, timeout) {
		spin.Fail("Connection failed")
		defer sess.Destroy()
		if quit, ev := sess.Quit(); quit {
			return nil, profile, fmt.Errorf("session quit before connecting: %s %s", ev.QuitReason, ev.QuitReasonStr)
		}
		if ctx.Err() != nil {
			return nil, profile, ctx.Err()
		}
		return nil, profile, fmt.Errorf("not connected after %s", timeout)
	}
	spin.Success(fmt.Sprintf("Connected (%dx%d@%d)", profile.Width, profile.Height, profile.MaxFPS))
	return sess, profile, nil
}

func hostArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}
