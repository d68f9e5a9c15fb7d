package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newEventsCmd(flags *rootFlags) *cobra.Command {
	events := &cobra.Command{
		Use:   "events",
		Short: "Inspect the durable event journal",
	}
	events.AddCommand(newEventsTailCmd(flags))
	return events
}

func newEventsTailCmd(flags *rootFlags) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print the most recent events from the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if cfg.World.EventDBPath == "" {
				return fmt.Errorf("world.event_db_path is not configured")
			}
			db, err := openSQLite(cfg.World.EventDBPath)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			rows, err := db.QueryContext(cmd.Context(),
				`SELECT event_number, timestamp, event_type, principal_id, artifact_id, error
				 FROM (SELECT * FROM events ORDER BY event_number DESC LIMIT ?)
				 ORDER BY event_number ASC`, count)
			if err != nil {
				return err
			}
			defer func() { _ = rows.Close() }()

			for rows.Next() {
				var number uint64
				var timestamp, eventType, principal, artifact, errText string
				if err := rows.Scan(&number, &timestamp, &eventType, &principal, &artifact, &errText); err != nil {
					return err
				}
				line := fmt.Sprintf("#%-6d %s %-20s", number, timestamp, eventType)
				if principal != "" {
					line += " " + principal
				}
				if artifact != "" {
					line += " -> " + artifact
				}
				if errText != "" {
					line += " !" + errText
				}
				cmd.Println(line)
			}
			return rows.Err()
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 20, "number of events to print")
	return cmd
}
