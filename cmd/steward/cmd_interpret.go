package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"steward/internal/engine"
)

var interpretCmd = &cobra.Command{
	Use:   "interpret <request text>",
	Short: "Interpret and execute a single request",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		app, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer app.close()

		if err := app.reindexer.Start(ctx); err != nil {
			return err
		}

		text := strings.Join(args, " ")
		result, err := app.agent.InterpretAndExecute(ctx, text)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))

		if result.Status == engine.StatusFailed {
			return fmt.Errorf("request failed: %s", strings.Join(result.Explanations, "; "))
		}
		return nil
	},
}
