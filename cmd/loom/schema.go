package main

import (
	"fmt"

	"github.com/loomhq/loom/internal/config"
	"github.com/spf13/cobra"
)

// buildSchemaCmd creates the "schema" command, which prints the JSON Schema
// for the configuration file. Useful for editor validation.
func buildSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON Schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.JSONSchema()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}
