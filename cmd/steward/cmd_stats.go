package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store, index, and memory statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		app, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer app.close()

		storeStats, err := app.store.Stats()
		if err != nil {
			return err
		}
		indexStats, err := app.index.Stats()
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(map[string]interface{}{
			"store":            storeStats,
			"index":            indexStats,
			"memory":           app.memory.GetStats(),
			"schema_version":   app.schemas.Version(),
			"active_workflows": len(app.workflows.Active()),
		}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}
