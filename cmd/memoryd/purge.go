package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var purgeConfirm bool

func init() {
	rootCmd.AddCommand(purgeCmd)
	purgeCmd.Flags().BoolVar(&purgeConfirm, "yes", false, "confirm the purge")
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Hard-delete everything a scope owns",
	Long: `Hard-delete everything a scope owns: resources, items, categories,
intention, and vectors. This is the tenant offboarding path and cannot
be undone.

Examples:
  memoryd purge --scope user_id=alice --yes`,
	RunE: runPurge,
}

func runPurge(cmd *cobra.Command, args []string) error {
	sk, err := scopeKey()
	if err != nil {
		return err
	}
	if !purgeConfirm {
		return fmt.Errorf("purge deletes scope %s permanently; re-run with --yes", sk)
	}

	ctx := cmd.Context()
	eng, err := buildEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	if err := eng.Service.DeleteScope(ctx, sk); err != nil {
		return err
	}
	fmt.Printf("scope %s purged\n", sk)
	return nil
}
