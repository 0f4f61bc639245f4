// Command opscore runs and administers the multi-tenant mutation core.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var exitFunc = os.Exit

func main() {
	exitFunc(cli(os.Args[1:], os.Stdout, os.Stderr))
}

func cli(args []string, stdout, stderr io.Writer) int {
	root := newRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintf(stderr, "opscore: %v\n", err)
		return 1
	}
	return 0
}

type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "opscore",
		Short:         "Tenant-scoped persistence and mutation coordination",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("OPSCORE_CONFIG"), "path to a YAML config file")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newKindsCommand(opts))
	cmd.AddCommand(newAuditCommand(opts))
	cmd.AddCommand(newIdempotencyCommand(opts))
	cmd.AddCommand(newTokenCommand(opts))
	return cmd
}
