package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"pkt.systems/scriptbridge/internal/bridgeclient"
	"pkt.systems/scriptbridge/schema"
)

func newTabsCmd() *cobra.Command {
	flags := &clientFlags{}
	cmd := &cobra.Command{
		Use:   "tabs",
		Short: "Inspect and drive per-tab REPL connections",
	}
	flags.bind(cmd)

	cmd.AddCommand(&cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List tabs and their connection status",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withClient(cmd, func(ctx context.Context, c *bridgeclient.Client) error {
				conns, err := c.ListConnections(ctx)
				if err != nil {
					return err
				}
				return printConnections(cmd.OutOrStdout(), conns)
			})
		},
	})
	cmd.AddCommand(newTabsConnectCmd(flags))
	cmd.AddCommand(&cobra.Command{
		Use:   "disconnect TAB",
		Short: "Disconnect a tab",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withClient(cmd, func(ctx context.Context, c *bridgeclient.Client) error {
				snap, err := c.Disconnect(ctx, schema.TabID(args[0]))
				if err != nil {
					return err
				}
				return printConnections(cmd.OutOrStdout(), []schema.ConnectionSnapshot{snap})
			})
		},
	})
	return cmd
}

func newTabsConnectCmd(flags *clientFlags) *cobra.Command {
	var endpoint string
	cmd := &cobra.Command{
		Use:   "connect TAB",
		Short: "Connect a tab to an evaluation server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withClient(cmd, func(ctx context.Context, c *bridgeclient.Client) error {
				snap, err := c.Connect(ctx, schema.TabID(args[0]), schema.Endpoint(endpoint))
				if err != nil {
					return err
				}
				return printConnections(cmd.OutOrStdout(), []schema.ConnectionSnapshot{snap})
			})
		},
	}
	cmd.Flags().StringVarP(&endpoint, "endpoint", "e", "", "ws:// endpoint (default remembered for the host or configured default)")
	return cmd
}

func printConnections(w io.Writer, conns []schema.ConnectionSnapshot) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TAB\tSTATUS\tENDPOINT\tAUTO\tURL")
	for _, snap := range conns {
		status := string(snap.Status)
		if snap.LastFailure != "" {
			status += " (" + string(snap.LastFailure) + ")"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", snap.TabID, status, snap.Endpoint, snap.AutoReconnect, snap.URL)
	}
	return tw.Flush()
}
