package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	g := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "carte",
		Short: "Remote execution host for transformations and jobs",
		Long: `Carte runs transformations and jobs on a server and lets operators
start, stop and monitor them over HTTP, including live sniffing of the rows
flowing through any step.

Examples:
  carte serve carte.toml
  carte status --api-url=http://host:8081/kettle
  carte trans run etl.yaml
  carte sniff --trans=etl --step=gen --watch=1s`,
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.APIUrl, "api-url", "", "server URL including the base path (default "+defaultAPIURL+")")
	pf.StringVar(&g.User, "user", "", "basic auth user")
	pf.StringVar(&g.Password, "password", "", "basic auth password (or CARTE_PASSWORD)")
	pf.DurationVar(&g.Timeout, "api-timeout", defaultTimeout, "request timeout")
	pf.BoolVar(&g.Insecure, "insecure", false, "skip TLS certificate verification")
	pf.BoolVar(&g.JSON, "json", false, "print JSON instead of tables")

	root.AddCommand(
		createServeCommand(),
		createStatusCommand(g),
		createTransCommand(g),
		createJobCommand(g),
		createSniffCommand(g),
		createHashPasswordCommand(),
	)
	return root
}
