// Package policy applies CEL suppression predicates to analyzer findings.
//
// A model may declare expressions such as
//
//	finding.severity == "low" && analyzer == "multivariate"
//
// and every finding for which one evaluates to true is dropped from the
// result before it is stored or alerted on.
package policy

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/opensource-finance/heron/internal/domain"
)

// ErrInvalidExpression is returned for expressions that do not compile to a bool.
var ErrInvalidExpression = errors.New("invalid suppression expression")

const programCacheSize = 512

// Engine compiles suppression expressions against a fixed CEL environment.
// Compiled programs are cached by source text.
type Engine struct {
	mu       sync.Mutex
	env      *cel.Env
	programs *lru.Cache[string, cel.Program]
	logger   *slog.Logger
}

// NewEngine creates an engine exposing finding, analyzer, model and
// severity_rank to expressions.
func NewEngine(logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	env, err := cel.NewEnv(
		cel.Variable("finding", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("analyzer", cel.StringType),
		cel.Variable("model", cel.StringType),
		cel.Variable("severity_rank", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	programs, err := lru.New[string, cel.Program](programCacheSize)
	if err != nil {
		return nil, err
	}
	return &Engine{env: env, programs: programs, logger: logger}, nil
}

// Validate compiles expr without keeping it.
func (e *Engine) Validate(expr string) error {
	_, err := e.compile(expr)
	return err
}

func (e *Engine) compile(expr string) (cel.Program, error) {
	if p, ok := e.programs.Get(expr); ok {
		return p, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidExpression, expr, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("%w: %q must return bool, got %s", ErrInvalidExpression, expr, ast.OutputType())
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidExpression, expr, err)
	}
	e.programs.Add(expr, program)
	return program, nil
}

// Policy is a compiled set of suppression expressions for one model.
type Policy struct {
	exprs    []string
	programs []cel.Program
	logger   *slog.Logger
}

// Compile builds a policy. The first invalid expression fails the whole set.
func (e *Engine) Compile(exprs []string) (*Policy, error) {
	p := &Policy{logger: e.logger}
	for _, expr := range exprs {
		program, err := e.compile(expr)
		if err != nil {
			return nil, err
		}
		p.exprs = append(p.exprs, expr)
		p.programs = append(p.programs, program)
	}
	return p, nil
}

// Len returns the number of expressions.
func (p *Policy) Len() int {
	if p == nil {
		return 0
	}
	return len(p.programs)
}

// Suppresses reports whether any expression matches f, and which one.
// Evaluation errors keep the finding.
func (p *Policy) Suppresses(kind domain.AnalyzerKind, model string, f domain.AnomalyFinding) (bool, string) {
	if p.Len() == 0 {
		return false, ""
	}
	activation := map[string]any{
		"finding":       findingVars(f),
		"analyzer":      string(kind),
		"model":         model,
		"severity_rank": int64(f.Severity.Rank()),
	}
	for i, program := range p.programs {
		out, _, err := program.Eval(activation)
		if err != nil {
			p.logger.Warn("suppression expression failed",
				"expression", p.exprs[i],
				"model", model,
				"error", err,
			)
			continue
		}
		if out == types.True {
			return true, p.exprs[i]
		}
	}
	return false, ""
}

// Apply returns res with suppressed findings removed. Failed results pass
// through untouched.
func (p *Policy) Apply(res *domain.AnalysisResult) *domain.AnalysisResult {
	if p.Len() == 0 || res == nil || res.Failed() {
		return res
	}
	return res.Filter(func(f domain.AnomalyFinding) bool {
		drop, expr := p.Suppresses(res.Analyzer, res.Model, f)
		if drop {
			p.logger.Debug("finding suppressed",
				"model", res.Model,
				"subject", f.Subject,
				"expression", expr,
			)
		}
		return !drop
	})
}

func findingVars(f domain.AnomalyFinding) map[string]any {
	vars := map[string]any{
		"type":        string(f.Type),
		"subject":     f.Subject,
		"statistic":   f.Statistic,
		"severity":    string(f.Severity),
		"description": f.Description,
		"evidence":    map[string]any{},
	}
	if f.PValue != nil {
		vars["p_value"] = *f.PValue
	}
	if f.Confidence != nil {
		vars["confidence"] = *f.Confidence
	}
	if f.Evidence != nil {
		vars["evidence"] = f.Evidence
	}
	return vars
}
