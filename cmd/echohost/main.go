package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set via ldflags.
var Version = "dev"

const defaultConfigPath = "/etc/echohost/config.yaml"

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "echohost",
		Short:         "EchoHost - plugin automation host",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "config file (default $ECHOHOST_CONFIG or "+defaultConfigPath+")")
	root.AddCommand(newRunCommand())
	root.AddCommand(newPluginsCommand())
	return root
}

func configPath(cmd *cobra.Command) string {
	if f := cmd.Flag("config"); f != nil && f.Value.String() != "" {
		return f.Value.String()
	}
	if p := os.Getenv("ECHOHOST_CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}
