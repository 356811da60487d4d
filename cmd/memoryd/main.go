// Package main implements the memoryd CLI: memory operations against a
// configured deployment, plus the Temporal worker process.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/memoryd/internal/config"
	"github.com/fyrsmithlabs/memoryd/internal/scope"
)

var (
	// configPath is the YAML config file; empty means env and defaults only.
	configPath string

	// scopeFlags are repeated field=value pairs naming the tenant scope.
	scopeFlags []string

	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "memoryd",
	Short: "Scope-isolated agentic memory engine",
	Long: `memoryd ingests agent interactions into structured memory, retrieves
layered context for new queries, and periodically reorganizes what it knows.

Every operation runs inside a tenant scope declared by the deployment's
tenancy schema. Name the scope with repeated --scope flags:

  memoryd memorize --scope user_id=alice --scope agent_id=coder "I prefer tabs"`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (YAML)")
	rootCmd.PersistentFlags().StringArrayVar(&scopeFlags, "scope", nil, "scope field as name=value (repeatable)")
}

// buildEngine loads configuration and assembles the engine. The caller owns
// the returned engine and must Close it.
func buildEngine(ctx context.Context) (*config.Engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return config.Build(ctx, cfg, nil)
}

// scopeKey parses the repeated --scope flags into a key. Validation against
// the schema happens inside the service.
func scopeKey() (scope.Key, error) {
	if len(scopeFlags) == 0 {
		return nil, fmt.Errorf("--scope is required (repeat per schema field)")
	}
	k := make(scope.Key, len(scopeFlags))
	for _, f := range scopeFlags {
		name, value, ok := strings.Cut(f, "=")
		if !ok || name == "" || value == "" {
			return nil, fmt.Errorf("invalid --scope %q, want name=value", f)
		}
		k[name] = value
	}
	return k, nil
}

// scopeSelector parses the repeated --scope flags into a selector. A value
// of "*" wildcards the field; comma-separated values build a finite set.
func scopeSelector() (scope.Selector, error) {
	if len(scopeFlags) == 0 {
		return nil, fmt.Errorf("--scope is required (repeat per schema field)")
	}
	sel := make(scope.Selector, len(scopeFlags))
	for _, f := range scopeFlags {
		name, value, ok := strings.Cut(f, "=")
		if !ok || name == "" || value == "" {
			return nil, fmt.Errorf("invalid --scope %q, want name=value", f)
		}
		if value == "*" {
			sel[name] = scope.Any()
			continue
		}
		sel[name] = scope.OneOf(strings.Split(value, ",")...)
	}
	return sel, nil
}

// printJSON renders a result to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
