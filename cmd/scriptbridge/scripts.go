package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"pkt.systems/scriptbridge/internal/bridgeclient"
)

func newScriptsCmd() *cobra.Command {
	flags := &clientFlags{}
	cmd := &cobra.Command{
		Use:   "scripts",
		Short: "Manage stored userscripts through the running daemon",
	}
	flags.bind(cmd)

	cmd.AddCommand(newScriptsListCmd(flags))
	cmd.AddCommand(newScriptsGetCmd(flags))
	cmd.AddCommand(newScriptsSaveCmd(flags))
	cmd.AddCommand(newScriptsMoveCmd(flags))
	cmd.AddCommand(newScriptsRemoveCmd(flags))

	return cmd
}

func newScriptsListCmd(flags *clientFlags) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List scripts",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withClient(cmd, func(ctx context.Context, c *bridgeclient.Client) error {
				scripts, err := c.ListScripts(ctx, all)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "NAME\tENABLED\tRUN-AT\tMATCH")
				for _, s := range scripts {
					_, _ = fmt.Fprintf(tw, "%s\t%t\t%s\t%s\n", s.Name, s.Enabled, s.RunAt, strings.Join(s.Match, ","))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include built-in scripts")
	return cmd
}

func newScriptsGetCmd(flags *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get NAME",
		Short: "Print a script's code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withClient(cmd, func(ctx context.Context, c *bridgeclient.Client) error {
				script, err := c.GetScript(ctx, args[0])
				if err != nil {
					return err
				}
				code := script.Code
				if !strings.HasSuffix(code, "\n") {
					code += "\n"
				}
				_, err = io.WriteString(cmd.OutOrStdout(), code)
				return err
			})
		},
	}
}

func newScriptsSaveCmd(flags *clientFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "save FILE...",
		Short: "Save scripts from files (- reads stdin)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			codes, err := readSources(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			return flags.withClient(cmd, func(ctx context.Context, c *bridgeclient.Client) error {
				out := cmd.OutOrStdout()
				if len(codes) == 1 {
					result, err := c.SaveScript(ctx, codes[0], force)
					if err != nil {
						return err
					}
					switch {
					case result.PendingConfirmation:
						_, _ = fmt.Fprintf(out, "%s: pending confirmation\n", result.Name)
					case result.NewlyCreated:
						_, _ = fmt.Fprintf(out, "%s: created\n", result.Name)
					default:
						_, _ = fmt.Fprintf(out, "%s: saved\n", result.Name)
					}
					return nil
				}
				result, err := c.SaveScripts(ctx, codes, force)
				return printBulk(out, result, err)
			})
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite existing scripts instead of queueing for confirmation")
	return cmd
}

func newScriptsMoveCmd(flags *clientFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "mv FROM TO [FROM TO]...",
		Short: "Rename scripts",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pairs, err := renamePairs(args)
			if err != nil {
				return err
			}
			return flags.withClient(cmd, func(ctx context.Context, c *bridgeclient.Client) error {
				result, err := c.RenameScripts(ctx, pairs, force)
				return printBulk(cmd.OutOrStdout(), result, err)
			})
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "rename now instead of queueing for confirmation")
	return cmd
}

func newScriptsRemoveCmd(flags *clientFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "rm NAME...",
		Short: "Delete scripts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withClient(cmd, func(ctx context.Context, c *bridgeclient.Client) error {
				result, err := c.DeleteScripts(ctx, args, force)
				return printBulk(cmd.OutOrStdout(), result, err)
			})
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "delete now instead of queueing for confirmation")
	return cmd
}

func renamePairs(args []string) ([]bridgeclient.RenamePair, error) {
	if len(args)%2 != 0 {
		return nil, fmt.Errorf("%w: expected FROM TO pairs, got %d names", errArgs, len(args))
	}
	pairs := make([]bridgeclient.RenamePair, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		pairs = append(pairs, bridgeclient.RenamePair{From: args[i], To: args[i+1]})
	}
	return pairs, nil
}

func readSources(stdin io.Reader, paths []string) ([]string, error) {
	codes := make([]string, 0, len(paths))
	readStdin := false
	for _, path := range paths {
		var data []byte
		var err error
		if path == "-" {
			if readStdin {
				return nil, fmt.Errorf("%w: stdin given twice", errArgs)
			}
			readStdin = true
			data, err = io.ReadAll(stdin)
		} else {
			data, err = os.ReadFile(path)
		}
		if err != nil {
			return nil, err
		}
		codes = append(codes, string(data))
	}
	return codes, nil
}
