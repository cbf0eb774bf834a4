package gateway

import (
	"context"
	"fmt"

	celgo "github.com/google/cel-go/cel"

	"magpie/pkg/cel"
)

// FilterSet holds the compiled CEL content filters for one source. An
// event matching any filter is dropped before it reaches the queue,
// which is how promotional and low-value notifications stay out of the
// pipeline.
type FilterSet struct {
	programs []celgo.Program
	exprs    []string
	eval     *cel.Evaluator
}

func NewFilterSet(eval *cel.Evaluator, expressions []string) (*FilterSet, error) {
	fs := &FilterSet{eval: eval}
	for _, expr := range expressions {
		program, err := eval.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid filter expression %q: %w", expr, err)
		}
		fs.programs = append(fs.programs, program)
		fs.exprs = append(fs.exprs, expr)
	}
	return fs, nil
}

// Rejects reports whether any filter matches the event, plus the
// expression that matched.
func (fs *FilterSet) Rejects(ctx context.Context, source, eventType string, payload map[string]interface{}) (bool, string, error) {
	for i, program := range fs.programs {
		matched, err := fs.eval.EvaluateFilter(ctx, program, source, eventType, payload)
		if err != nil {
			return false, "", fmt.Errorf("filter evaluation failed: %w", err)
		}
		if matched {
			return true, fs.exprs[i], nil
		}
	}
	return false, "", nil
}

func (fs *FilterSet) Len() int {
	return len(fs.programs)
}
