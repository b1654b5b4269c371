package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"

	sardis "github.com/sardis-hq/sardis/pkg/types"
)

// celEvaluator compiles and runs the org-authored custom rules. Rules see
// the mandate as flat attributes and must evaluate to bool; a rule that
// errors fails closed for its effect.
type celEvaluator struct {
	mu       sync.RWMutex
	env      *cel.Env
	programs map[string]cel.Program // rule_id → compiled program
	effects  map[string]string      // rule_id → "deny" | "review"
}

func newCELEvaluator() (*celEvaluator, error) {
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("agent", types.StringType),
			decls.NewVariable("wallet", types.StringType),
			decls.NewVariable("destination", types.StringType),
			decls.NewVariable("amount_minor", types.IntType),
			decls.NewVariable("currency", types.StringType),
			decls.NewVariable("rail", types.StringType),
			decls.NewVariable("direction", types.StringType),
			decls.NewVariable("purpose", types.StringType),
			decls.NewVariable("category", types.StringType),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel env: %w", err)
	}
	return &celEvaluator{
		env:      env,
		programs: make(map[string]cel.Program),
		effects:  make(map[string]string),
	}, nil
}

// load compiles every custom rule of the snapshot. Compilation failures
// reject the snapshot at load time rather than at decision time.
func (e *celEvaluator) load(rules []CustomRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.programs = make(map[string]cel.Program, len(rules))
	e.effects = make(map[string]string, len(rules))
	for _, r := range rules {
		if r.Effect != "deny" && r.Effect != "review" {
			return fmt.Errorf("policy: rule %s: effect must be deny or review, got %q", r.RuleID, r.Effect)
		}
		ast, issues := e.env.Compile(r.Source)
		if issues != nil && issues.Err() != nil {
			return fmt.Errorf("policy: rule %s: compile: %w", r.RuleID, issues.Err())
		}
		prg, err := e.env.Program(ast)
		if err != nil {
			return fmt.Errorf("policy: rule %s: program: %w", r.RuleID, err)
		}
		e.programs[r.RuleID] = prg
		e.effects[r.RuleID] = r.Effect
	}
	return nil
}

// ruleVerdict is the outcome of one custom rule.
type ruleVerdict struct {
	ruleID string
	effect string // "deny" | "review"
	detail string
}

// evaluate runs every rule against the mandate. A rule passing (true)
// contributes nothing; a rule failing or erroring contributes its effect.
func (e *celEvaluator) evaluate(m sardis.Mandate) []ruleVerdict {
	e.mu.RLock()
	defer e.mu.RUnlock()

	input := map[string]any{
		"agent":        m.AgentID,
		"wallet":       m.SubjectWallet,
		"destination":  NormalizeVendor(m.Destination),
		"amount_minor": m.Amount.AmountMinor,
		"currency":     m.Amount.Currency,
		"rail":         string(m.Rail),
		"direction":    string(m.Direction),
		"purpose":      m.Purpose,
		"category":     m.Category,
	}

	var verdicts []ruleVerdict
	for id, prg := range e.programs {
		out, _, err := prg.Eval(input)
		if err != nil {
			verdicts = append(verdicts, ruleVerdict{
				ruleID: id, effect: e.effects[id],
				detail: fmt.Sprintf("evaluation error: %v", err),
			})
			continue
		}
		if passed, ok := out.Value().(bool); !ok || !passed {
			verdicts = append(verdicts, ruleVerdict{
				ruleID: id, effect: e.effects[id],
				detail: "predicate not satisfied",
			})
		}
	}
	return verdicts
}
