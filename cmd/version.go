package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/babelcloud/gbox/packages/remoteplay/internal/remoteplay/engine"
	"github.com/babelcloud/gbox/packages/remoteplay/internal/version"
)

type VersionOptions struct {
	OutputFormat string
}

func NewVersionCommand() *cobra.Command {
	opts := &VersionOptions{}

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ExecuteVersion(cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.OutputFormat, "format", "", "text", "Specify output format. Options are \"text\" (default) or \"json\".")
	cmd.RegisterFlagCompletionFunc("format", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"text", "json"}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func ExecuteVersion(w io.Writer, opts *VersionOptions) error {
	info := version.ClientInfo()

	switch opts.OutputFormat {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			version.Info
			Engines []string `json:"engines"`
		}{info, engine.Names()})
	case "text":
		fmt.Fprintf(w, "Version:    %s\n", info.Version)
		fmt.Fprintf(w, "Git commit: %s\n", info.GitCommit)
		fmt.Fprintf(w, "Built:      %s\n", info.FormattedTime)
		fmt.Fprintf(w, "Go version: %s\n", info.GoVersion)
		fmt.Fprintf(w, "OS/Arch:    %s/%s\n", info.OS, info.Arch)
		fmt.Fprintf(w, "Engines:    %v\n", engine.Names())
		return nil
	default:
		return fmt.Errorf("invalid output format: %s (want text or json)", opts.OutputFormat)
	}
}
