package main

import (
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(evolveCmd)
}

var evolveCmd = &cobra.Command{
	Use:   "evolve",
	Short: "Reorganize a scope's memory",
	Long: `Reorganize a scope's memory: consolidate near-duplicate items, refresh
category summaries and anchors, and rederive the scope's intention.

Examples:
  # Evolve one scope
  memoryd evolve --scope user_id=alice --scope agent_id=coder`,
	RunE: runEvolve,
}

func runEvolve(cmd *cobra.Command, args []string) error {
	sk, err := scopeKey()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	eng, err := buildEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	result, err := eng.Service.Evolve(ctx, sk)
	if err != nil {
		return err
	}
	return printJSON(result)
}
