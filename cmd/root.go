package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/babelcloud/gbox/packages/remoteplay/config"
	"github.com/babelcloud/gbox/packages/remoteplay/internal/util"
	"github.com/babelcloud/gbox/packages/remoteplay/internal/version"
)

var (
	verbose    bool
	configFile string

	rootCmd = &cobra.Command{
		Use:   "remoteplay",
		Short: "PlayStation Remote Play frame capture tool",
		Long: `remoteplay connects to a registered PlayStation console through a streaming engine, keeps the latest
H.264 access unit and a standalone keyframe in memory, and exposes them as screenshots, recordings, a local
HTTP/WebRTC preview and an interactive controller.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			util.InitLogger(verbose)
			if configFile != "" {
				if err := config.LoadFile(configFile); err != nil {
					return err
				}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flag("version").Changed {
				fmt.Fprintln(cmd.OutOrStdout(), version.ClientInfo().Short())
				return nil
			}
			return cmd.Help()
		},
	}
)

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Flags().Bool("version", false, "Print version information and exit")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default searches ./config.yaml, $HOME/.remoteplay, /etc/remoteplay)")

	rootCmd.AddCommand(NewHostsCommand())
	rootCmd.AddCommand(NewScreenshotCommand())
	rootCmd.AddCommand(NewRecordCommand())
	rootCmd.AddCommand(NewServeCommand())
	rootCmd.AddCommand(NewPadCommand())
	rootCmd.AddCommand(NewVersionCommand())
}
