package main

import (
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(categoriesCmd)
	rootCmd.AddCommand(categoryCmd)
	rootCmd.AddCommand(intentionCmd)
	rootCmd.AddCommand(itemCmd)
}

var runCmd = &cobra.Command{
	Use:   "run <run-id>",
	Short: "Show a run log",
	Long: `Show the run log for a pipeline run: per-step status, attempts,
durations, and for evolve runs the reorganization diff.

Examples:
  memoryd run 4f8d2c1a-...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, err := buildEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		rl, err := eng.Service.GetRun(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(rl)
	},
}

var categoriesCmd = &cobra.Command{
	Use:   "categories",
	Short: "List a scope's memory categories",
	RunE: func(cmd *cobra.Command, args []string) error {
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

		cats, err := eng.Service.ListCategories(ctx, sk)
		if err != nil {
			return err
		}
		return printJSON(cats)
	},
}

var categoryCmd = &cobra.Command{
	Use:   "category <name>",
	Short: "Show a category and its member items",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
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

		detail, err := eng.Service.GetCategory(ctx, sk, args[0])
		if err != nil {
			return err
		}
		return printJSON(detail)
	},
}

var intentionCmd = &cobra.Command{
	Use:   "intention",
	Short: "Show a scope's intention record",
	RunE: func(cmd *cobra.Command, args []string) error {
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

		in, err := eng.Service.GetIntention(ctx, sk)
		if err != nil {
			return err
		}
		return printJSON(in)
	},
}

var itemCmd = &cobra.Command{
	Use:   "item <item-id>",
	Short: "Show a memory item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
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

		item, err := eng.Service.GetItem(ctx, sk, args[0])
		if err != nil {
			return err
		}
		return printJSON(item)
	},
}
