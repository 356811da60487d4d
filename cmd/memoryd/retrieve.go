package main

import (
	"github.com/spf13/cobra"
)

var retrieveK int

func init() {
	rootCmd.AddCommand(retrieveCmd)
	retrieveCmd.Flags().IntVar(&retrieveK, "k", 0, "number of items to return (0 uses the configured default)")
}

var retrieveCmd = &cobra.Command{
	Use:   "retrieve <query>",
	Short: "Retrieve layered context for a query",
	Long: `Retrieve layered context for a query: the scope's intention, the most
relevant categories, and the top-scoring memory items.

The --scope flags form a selector. An exact scope reads one tenant;
"*" or comma-separated values cross scopes and must be permitted by the
deployment's cross-scope policy.

Examples:
  # Retrieve from one scope
  memoryd retrieve --scope user_id=alice "what coffee does the user like"

  # Cross-scope retrieval over two users (requires policy)
  memoryd retrieve --scope user_id=alice,bob "deployment conventions"

  # Wildcard a field (requires policy allowlisting the field)
  memoryd retrieve --scope user_id=alice --scope agent_id=* "open tasks"`,
	Args: cobra.ExactArgs(1),
	RunE: runRetrieve,
}

func runRetrieve(cmd *cobra.Command, args []string) error {
	sel, err := scopeSelector()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	eng, err := buildEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	result, err := eng.Service.Retrieve(ctx, sel, args[0], retrieveK)
	if err != nil {
		return err
	}
	return printJSON(result)
}
