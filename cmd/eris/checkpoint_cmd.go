package main

import (
	"fmt"
	"sort"

	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/checkpoint"
	"github.com/spf13/cobra"
)

func newCheckpointsCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoints",
		Short: "List saved checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if cfg.World.CheckpointDBPath == "" {
				return fmt.Errorf("world.checkpoint_db_path is not configured")
			}
			store, err := checkpoint.Open(cfg.World.CheckpointDBPath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			snapshots, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(snapshots) == 0 {
				cmd.Println("no checkpoints")
				return nil
			}
			names := make([]string, 0, len(snapshots))
			for name := range snapshots {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				cmd.Printf("%s\tevent %d\n", name, snapshots[name])
			}
			return nil
		},
	}
}
