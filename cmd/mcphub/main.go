package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	JSON       bool
	Insecure   bool
	CACert     string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	cmd := command{flags: globalFlags, out: os.Stdout}

	root.AddCommand(
		createServeCommand(globalFlags),
		createCreateCommand(&cmd),
		createListCommand(&cmd),
		createGetCommand(&cmd),
		createStartCommand(&cmd),
		createStopCommand(&cmd),
		createRestartCommand(&cmd),
		createDeleteCommand(&cmd),
		createStatusCommand(&cmd),
		createLogsCommand(&cmd),
		createHealthCommand(&cmd),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "mcphub",
		Short: "Supervisor for MCP server processes",
		Long: `mcphub launches, stops and health-checks MCP server processes and
records their output, state changes and health history.

Examples:
  mcphub serve --config=mcphub.toml
  mcphub create --id=files --command="npx @modelcontextprotocol/server-filesystem /data"
  mcphub start files
  mcphub status files
  mcphub logs files --level=error --limit=50`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "http://127.0.0.1:8080/api", "daemon API URL")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 30*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&flags.JSON, "json", false, "print JSON instead of tables")
	root.PersistentFlags().BoolVar(&flags.Insecure, "insecure", false, "skip TLS certificate verification")
	root.PersistentFlags().StringVar(&flags.CACert, "ca-cert", "", "CA certificate for an HTTPS daemon")
	return root
}
