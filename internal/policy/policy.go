// Package policy evaluates cross-scope retrieval requests.
//
// A selector that addresses exactly one scope is always permitted: callers
// may read their own tenant. Anything broader crosses isolation boundaries
// and must pass the deployment's policy before any index or store is
// touched. The engine is fail-closed: no configuration means single-scope
// access only.
package policy

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/memerr"
	"github.com/fyrsmithlabs/memoryd/internal/scope"
)

// Config is the deployment's cross-scope policy.
type Config struct {
	// AllowCrossScope enables any selector broader than one exact scope.
	// Default: false.
	AllowCrossScope bool `koanf:"allow_cross_scope"`

	// WildcardFields lists the schema fields a selector may wildcard.
	// Fields not listed must be bound to explicit values.
	WildcardFields []string `koanf:"wildcard_fields"`

	// MaxScopeCombinations caps how many concrete scopes a finite selector
	// may expand to. Zero means 64.
	MaxScopeCombinations int `koanf:"max_scope_combinations"`

	// MaxCandidates caps how many candidates a cross-scope retrieval may
	// pull before reranking. Zero means 256.
	MaxCandidates int `koanf:"max_candidates"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.MaxScopeCombinations == 0 {
		c.MaxScopeCombinations = 64
	}
	if c.MaxCandidates == 0 {
		c.MaxCandidates = 256
	}
}

// Decision is the engine's verdict on one selector.
type Decision struct {
	// CrossScope is true when the selector spans more than one scope.
	CrossScope bool

	// Combinations is the finite expansion size, or 0 when the selector
	// contains wildcards.
	Combinations int

	// MaxCandidates is the candidate cap retrieval must honor.
	MaxCandidates int
}

// Engine evaluates selectors against the configured policy.
type Engine struct {
	config Config
	logger *zap.Logger
}

// NewEngine creates a policy engine.
func NewEngine(config Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	return &Engine{config: config, logger: logger}
}

// Evaluate checks a validated selector. It returns a policy violation error
// for anything the deployment does not permit; the caller must not touch
// storage when an error is returned.
func (e *Engine) Evaluate(schema *scope.Schema, sel scope.Selector) (Decision, error) {
	const op = "policy.Evaluate"

	if sel.IsExact() {
		return Decision{MaxCandidates: e.config.MaxCandidates}, nil
	}

	if !e.config.AllowCrossScope {
		e.logger.Warn("cross-scope selector rejected", zap.String("selector", describeSelector(sel)))
		return Decision{}, memerr.E(memerr.KindPolicyViolation, op,
			"cross-scope retrieval is not enabled for this deployment")
	}

	if sel.IsUnbounded() {
		return Decision{}, memerr.E(memerr.KindPolicyViolation, op,
			"selector must bind at least one scope field")
	}

	allowed := make(map[string]bool, len(e.config.WildcardFields))
	for _, f := range e.config.WildcardFields {
		allowed[f] = true
	}
	for name, fs := range sel {
		if fs.Wildcard && !allowed[name] {
			return Decision{}, memerr.E(memerr.KindPolicyViolation, op,
				fmt.Sprintf("field %q may not be wildcarded", name))
		}
	}

	d := Decision{CrossScope: true, MaxCandidates: e.config.MaxCandidates}
	if n, finite := sel.Combinations(schema); finite {
		if n > e.config.MaxScopeCombinations {
			return Decision{}, memerr.E(memerr.KindPolicyViolation, op,
				fmt.Sprintf("selector expands to %d scopes, limit is %d", n, e.config.MaxScopeCombinations))
		}
		d.Combinations = n
	}
	return d, nil
}

// describeSelector renders a selector for logs without assuming an order.
func describeSelector(sel scope.Selector) string {
	out := ""
	for name, fs := range sel {
		if out != "" {
			out += ","
		}
		if fs.Wildcard {
			out += name + "=*"
		} else {
			out += fmt.Sprintf("%s=%v", name, fs.Values)
		}
	}
	return out
}
