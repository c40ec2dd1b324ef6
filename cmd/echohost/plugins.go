package main

import (
	"context"
	"fmt"
	"time"

	"github.com/EchoPBX/echohost/internal/config"
	"github.com/EchoPBX/echohost/internal/hub"
	"github.com/EchoPBX/echohost/internal/logging"
	"github.com/spf13/cobra"
)

func newPluginsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect plugins",
	}
	cmd.AddCommand(newCheckCommand())
	return cmd
}

func newCheckCommand() *cobra.Command {
	var (
		verbose bool
		hold    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "check <path>",
		Short: "Load a plugin into a throwaway host, report it and unload it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			level := "warn"
			if verbose {
				level = "debug"
			}
			log := logging.New(logging.Cfg{Level: level})
			defer log.Sync()

			h := hub.New(config.Default(), log, nil)
			ctx := cmd.Context()
			name, err := h.Plugins.Load(ctx, args[0])
			if err != nil {
				return err
			}
			info, _ := h.Plugins.Get(name)
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s) %s\n", info.Name, info.Version, info.Runtime, info.Location)

			if hold > 0 {
				select {
				case <-time.After(hold):
				case <-ctx.Done():
				}
				for _, k := range h.State.Keys() {
					fmt.Fprintf(cmd.OutOrStdout(), "  state %s = %v\n", k, h.State.Get(k, nil))
				}
			}

			h.Shutdown(context.WithoutCancel(ctx))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log plugin output")
	cmd.Flags().DurationVar(&hold, "hold", 0, "keep the plugin running this long before unloading")
	return cmd
}
