// Command eris runs an artifact-economy world: LLM-driven agents creating,
// invoking, and trading artifacts under scrip and resource scarcity.
package main

import (
	"log/slog"
	"os"

	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/config"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootFlags struct {
	configPaths []string
	logLevel    string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "eris",
		Short:         "Run and inspect a multi-agent artifact economy",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogger(flags.logLevel)
		},
	}
	root.PersistentFlags().StringArrayVarP(&flags.configPaths, "config", "c", nil,
		"config file; repeatable, later files override earlier ones")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info",
		"log level: debug, info, warn, error")

	root.AddCommand(
		newRunCmd(flags),
		newCheckpointsCmd(flags),
		newEventsCmd(flags),
	)
	return root
}

func (f *rootFlags) load() (*config.Config, error) {
	return config.Load(f.configPaths...)
}

func setupLogger(level string) {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		lv = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})
	slog.SetDefault(slog.New(handler))
}
