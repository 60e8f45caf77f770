package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/loykin/carte/internal/auth"
	"github.com/spf13/cobra"
)

func createHashPasswordCommand() *cobra.Command {
	f := &HashFlags{}
	cmd := &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print the bcrypt hash of a password for the [auth] config",
		Long: `Print the bcrypt hash of a password. Without an argument the password is
read from stdin so it stays out of the shell history.

Example:
  echo -n secret | carte hash-password`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var pw string
			if len(args) == 1 {
				pw = args[0]
			} else {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				pw = strings.TrimRight(string(b), "\r\n")
			}
			if pw == "" {
				return fmt.Errorf("password must not be empty")
			}
			hash, err := auth.HashPassword(pw, f.Cost)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	cmd.Flags().IntVar(&f.Cost, "cost", 0, "bcrypt cost (default when 0)")
	return cmd
}
