package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/loykin/carte/pkg/client"
	"github.com/spf13/cobra"
)

func newClient(g *GlobalFlags) (*client.Client, error) {
	cfg := client.DefaultConfig()
	if g.APIUrl != "" {
		cfg.BaseURL = g.APIUrl
	}
	if g.Timeout > 0 {
		cfg.Timeout = g.Timeout
	}
	cfg.User = g.User
	cfg.Password = g.Password
	if cfg.Password == "" {
		cfg.Password = os.Getenv("CARTE_PASSWORD")
	}
	cfg.Insecure = g.Insecure
	return client.New(cfg)
}

// withClient runs fn with a client and a context bounded by the request timeout.
func withClient(cmd *cobra.Command, g *GlobalFlags, fn func(ctx context.Context, c *client.Client) error) error {
	c, err := newClient(g)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, c)
}

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

func printResult(cmd *cobra.Command, g *GlobalFlags, res client.Result) {
	if g.JSON {
		printJSON(cmd.OutOrStdout(), res)
		return
	}
	if res.ID != "" {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s (id %s)\n", res.Message, res.ID)
		return
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), res.Message)
}

// parsePairs turns repeated KEY=VALUE flags into a map.
func parsePairs(items []string) (map[string]string, error) {
	if len(items) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(items))
	for _, it := range items {
		k, v, ok := strings.Cut(it, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid KEY=VALUE pair %q", it)
		}
		out[k] = v
	}
	return out, nil
}

func (f *ExecFlags) target() (client.Target, error) {
	if f.Name == "" && f.ID == "" {
		return client.Target{}, fmt.Errorf("--name or --id is required")
	}
	return client.Target{Name: f.Name, ID: f.ID}, nil
}

func (f *ExecFlags) options() (client.ExecOptions, error) {
	params, err := parsePairs(f.Params)
	if err != nil {
		return client.ExecOptions{}, err
	}
	vars, err := parsePairs(f.Vars)
	if err != nil {
		return client.ExecOptions{}, err
	}
	return client.ExecOptions{LogLevel: f.LogLevel, Parameters: params, Variables: vars}, nil
}

func addTargetFlags(cmd *cobra.Command, f *ExecFlags) {
	cmd.Flags().StringVar(&f.Name, "name", "", "execution name")
	cmd.Flags().StringVar(&f.ID, "id", "", "execution id (wins over --name)")
}

func addExecFlags(cmd *cobra.Command, f *ExecFlags) {
	cmd.Flags().StringVar(&f.LogLevel, "level", "", "log level (Nothing, Error, Minimal, Basic, Detailed, Debug, Rowlevel)")
	cmd.Flags().StringArrayVar(&f.Params, "param", nil, "parameter KEY=VALUE (repeatable)")
	cmd.Flags().StringArrayVar(&f.Vars, "var", nil, "variable KEY=VALUE (repeatable)")
}

func printSummaries(w io.Writer, kind string, list []client.Summary) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "KIND\tNAME\tID\tSTATUS\tLOG DATE")
	for _, s := range list {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", kind, s.Name, s.ID, s.Status, s.LogDate.Format(time.DateTime))
	}
	_ = tw.Flush()
}

func createStatusCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server status and every registered execution",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *client.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if g.JSON {
					printJSON(out, st)
					return nil
				}
				_, _ = fmt.Fprintf(out, "%s: %s (up %s, %d sniff sessions)\n", st.Name, st.StatusDesc, st.Uptime, st.SniffSessions)
				printSummaries(out, "trans", st.Transformations)
				if len(st.Jobs) > 0 {
					printSummaries(out, "job", st.Jobs)
				}
				return nil
			})
		},
	}
}

// readDefinition reads a definition file, "-" meaning stdin.
func readDefinition(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	// #nosec G304
	return os.ReadFile(path)
}

// Method expressions of *client.Client, receiver first.
type submitFunc func(c *client.Client, ctx context.Context, def []byte, opts client.ExecOptions) (client.Result, error)

func submitCommand(g *GlobalFlags, use, short string, submit submitFunc) *cobra.Command {
	f := &ExecFlags{}
	cmd := &cobra.Command{
		Use:   use + " <definition.(json|yaml)|->",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := readDefinition(cmd, args[0])
			if err != nil {
				return err
			}
			opts, err := f.options()
			if err != nil {
				return err
			}
			return withClient(cmd, g, func(ctx context.Context, c *client.Client) error {
				res, err := submit(c, ctx, def, opts)
				if err != nil {
					return err
				}
				printResult(cmd, g, res)
				return nil
			})
		},
	}
	addExecFlags(cmd, f)
	return cmd
}

type actionFunc func(c *client.Client, ctx context.Context, t client.Target) (client.Result, error)

func actionCommand(g *GlobalFlags, use, short string, action actionFunc) *cobra.Command {
	f := &ExecFlags{}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := f.target()
			if err != nil {
				return err
			}
			return withClient(cmd, g, func(ctx context.Context, c *client.Client) error {
				res, err := action(c, ctx, t)
				if err != nil {
					return err
				}
				printResult(cmd, g, res)
				return nil
			})
		},
	}
	addTargetFlags(cmd, f)
	return cmd
}

type detailFunc func(c *client.Client, ctx context.Context, t client.Target, from uint64) (client.Detail, error)

func detailCommand(g *GlobalFlags, fetch detailFunc) *cobra.Command {
	f := &ExecFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show one execution with its steps and log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := f.target()
			if err != nil {
				return err
			}
			return withClient(cmd, g, func(ctx context.Context, c *client.Client) error {
				d, err := fetch(c, ctx, t, f.From)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if g.JSON {
					printJSON(out, d)
					return nil
				}
				printDetail(out, d)
				return nil
			})
		},
	}
	addTargetFlags(cmd, f)
	cmd.Flags().Uint64Var(&f.From, "from", 0, "first log line to return")
	return cmd
}

func printDetail(w io.Writer, d client.Detail) {
	_, _ = fmt.Fprintf(w, "%s %s (%s): %s\n", d.Kind, d.Name, d.ID, d.Status)
	if d.Error != "" {
		_, _ = fmt.Fprintf(w, "error: %s\n", d.Error)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if len(d.Steps) > 0 {
		_, _ = fmt.Fprintln(tw, "STEP\tCOPY\tSTATUS\tREAD\tWRITTEN\tERRORS")
		for _, s := range d.Steps {
			_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%d\t%d\n", s.Name, s.Copy, s.Status, s.LinesRead, s.LinesWritten, s.Errors)
		}
	}
	if len(d.Entries) > 0 {
		_, _ = fmt.Fprintln(tw, "ENTRY\tTRANSFORMATION\tID\tSTATUS")
		for _, e := range d.Entries {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Name, e.Transformation, e.ID, e.Status)
		}
	}
	_ = tw.Flush()
	if d.LoggingString != "" {
		_, _ = fmt.Fprintf(w, "log lines %d-%d:\n%s", d.FirstLogLine, d.LastLogLine, d.LoggingString)
		if !strings.HasSuffix(d.LoggingString, "\n") {
			_, _ = fmt.Fprintln(w)
		}
	}
}

func createTransCommand(g *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trans",
		Short: "Manage transformations",
	}
	cmd.AddCommand(
		submitCommand(g, "add", "Register a transformation", (*client.Client).AddTrans),
		submitCommand(g, "run", "Register and start a transformation", (*client.Client).RunTrans),
		actionCommand(g, "start", "Start a registered transformation", (*client.Client).StartTrans),
		actionCommand(g, "stop", "Stop a running transformation", (*client.Client).StopTrans),
		actionCommand(g, "pause", "Pause or resume a transformation", (*client.Client).PauseTrans),
		actionCommand(g, "remove", "Remove a finished transformation", (*client.Client).RemoveTrans),
		actionCommand(g, "cleanup", "Stop, detach sniffers and remove a transformation", (*client.Client).CleanupTrans),
		detailCommand(g, (*client.Client).TransStatus),
	)
	return cmd
}

func createJobCommand(g *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Manage jobs",
	}
	cmd.AddCommand(
		submitCommand(g, "add", "Register a job", (*client.Client).AddJob),
		actionCommand(g, "start", "Start a registered job", (*client.Client).StartJob),
		actionCommand(g, "stop", "Stop a running job", (*client.Client).StopJob),
		actionCommand(g, "remove", "Remove a finished job", (*client.Client).RemoveJob),
		detailCommand(g, (*client.Client).JobStatus),
	)
	return cmd
}
