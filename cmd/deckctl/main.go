// Command deckctl is an offline companion to the deck assistant API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "deckctl",
	Short: "Offline tools for the deck assistant",
	Long: `deckctl runs the deck assistant's command pipeline without a server.

Examples:
  # Apply a recorded model turn to a deck, approving every proposal
  deckctl replay --document deck.json --frames turn.ndjson

  # Print the tool definitions offered to the model
  deckctl schema

  # Mint a development token
  deckctl token --tenant acme --user alice`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(tokenCmd)

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging on stderr")
}
