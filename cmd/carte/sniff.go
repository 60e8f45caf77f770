package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/loykin/carte/pkg/client"
	"github.com/spf13/cobra"
)

func createSniffCommand(g *GlobalFlags) *cobra.Command {
	f := &SniffFlags{}
	cmd := &cobra.Command{
		Use:   "sniff",
		Short: "Show the rows flowing through a step",
		Long: `Attach a sniff session to a step copy of a running transformation and
print its most recent rows. With --watch the rows are polled until interrupted.

Examples:
  carte sniff --trans=etl --step=gen
  carte sniff --trans=etl --step=out --type=input --buffer=200 --watch=2s
  carte sniff --trans=etl --step=gen --stop
  carte sniff sessions`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if f.Trans == "" && f.ID == "" {
				return fmt.Errorf("--trans or --id is required")
			}
			if f.Step == "" {
				return fmt.Errorf("--step is required")
			}
			req := client.SniffRequest{
				Target: client.Target{Name: f.Trans, ID: f.ID},
				Step:   f.Step,
				Copy:   f.Copy,
				Input:  strings.EqualFold(f.Type, "input"),
				Buffer: f.Buffer,
				Lines:  f.Lines,
			}
			return withClient(cmd, g, func(ctx context.Context, c *client.Client) error {
				if f.Stop {
					res, err := c.StopSniff(ctx, req)
					if err != nil {
						return err
					}
					printResult(cmd, g, res)
					return nil
				}
				return runSniff(ctx, cmd, g, c, req, f.Watch)
			})
		},
	}
	cmd.Flags().StringVar(&f.Trans, "trans", "", "transformation name")
	cmd.Flags().StringVar(&f.ID, "id", "", "transformation id")
	cmd.Flags().StringVar(&f.Step, "step", "", "step name")
	cmd.Flags().IntVar(&f.Copy, "copy", 0, "step copy number")
	cmd.Flags().StringVar(&f.Type, "type", "output", "rows to capture: output or input")
	cmd.Flags().IntVar(&f.Buffer, "buffer", 0, "ring buffer size when attaching (server default when 0)")
	cmd.Flags().IntVar(&f.Lines, "lines", 0, "return at most this many rows")
	cmd.Flags().DurationVar(&f.Watch, "watch", 0, "poll interval; 0 prints once")
	cmd.Flags().BoolVar(&f.Stop, "stop", false, "detach the sniff session")
	cmd.AddCommand(createSniffSessionsCommand(g))
	return cmd
}

func runSniff(ctx context.Context, cmd *cobra.Command, g *GlobalFlags, c *client.Client, req client.SniffRequest, watch time.Duration) error {
	for {
		res, err := c.Sniff(ctx, req)
		if err != nil {
			return err
		}
		if g.JSON {
			printJSON(cmd.OutOrStdout(), res)
		} else {
			printSniff(cmd.OutOrStdout(), res)
		}
		if watch <= 0 || res.Released {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(watch):
		}
	}
}

func printSniff(w io.Writer, res client.SniffResult) {
	_, _ = fmt.Fprintf(w, "%s/%s.%d %s: %d rows (pushed %d, dropped %d)\n",
		res.Name, res.Step, res.Copy, res.Type, res.NrRows, res.Pushes, res.Dropped)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if res.Meta != nil {
		names := make([]string, len(res.Meta.Values))
		for i, v := range res.Meta.Values {
			names[i] = strings.ToUpper(v.Name)
		}
		_, _ = fmt.Fprintln(tw, strings.Join(names, "\t"))
	}
	for _, r := range res.Rows {
		_, _ = fmt.Fprintln(tw, strings.Join(r.Values, "\t"))
	}
	_ = tw.Flush()
	if res.Released {
		_, _ = fmt.Fprintln(w, "session released")
	}
}

func createSniffSessionsCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List the attached sniff sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *client.Client) error {
				list, err := c.SniffSessions(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if g.JSON {
					printJSON(out, list)
					return nil
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "EXECUTION\tID\tSTEP\tCOPY\tTYPE\tSIZE\tCAPACITY\tDROPPED")
				for _, s := range list {
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%d\t%d\t%d\n",
						s.ExecutionName, s.ExecutionID, s.Step, s.Copy, s.Direction, s.Size, s.Capacity, s.Dropped)
				}
				return tw.Flush()
			})
		},
	}
}
