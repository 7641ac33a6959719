package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/scriptbridge/internal/version"
)

func newVersionCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Read()
			out := cmd.OutOrStdout()
			if _, err := fmt.Fprintf(out, "%s %s\n", info.Module, info.Version); err != nil {
				return err
			}
			if !verbose {
				return nil
			}
			_, _ = fmt.Fprintf(out, "go: %s\n", info.GoVersion)
			if info.Revision != "" {
				_, _ = fmt.Fprintf(out, "revision: %s\n", info.Revision)
			}
			if info.Dirty {
				_, _ = fmt.Fprintln(out, "dirty: true")
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "include toolchain and vcs details")
	return cmd
}
