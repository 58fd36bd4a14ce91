package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/deck-assistant/internal/command"
)

var schemaCmd = &cobra.Command{
	Use:   "schema [command...]",
	Short: "Print tool definitions",
	Long:  `Print the name, description and JSON schema of every command, or only of the named ones.`,
	RunE:  runSchema,
}

func runSchema(cmd *cobra.Command, args []string) error {
	defs := command.NewRegistry().Definitions()
	if len(args) > 0 {
		wanted := make(map[string]bool, len(args))
		for _, a := range args {
			wanted[a] = true
		}
		filtered := defs[:0]
		for _, d := range defs {
			if wanted[d.Name] {
				filtered = append(filtered, d)
				delete(wanted, d.Name)
			}
		}
		for name := range wanted {
			return fmt.Errorf("%w: %s", command.ErrUnknownCommand, name)
		}
		defs = filtered
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(defs)
}
