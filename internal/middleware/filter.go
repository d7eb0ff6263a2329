package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// FilterKind selects how a Filter is evaluated (spec §4.3 item 4).
type FilterKind string

const (
	// FilterField matches a dotted field path against an exact value,
	// e.g. Field="meta.space_id", Equals="personal:alice".
	FilterField FilterKind = "field"
	// FilterExpr evaluates a compound boolean expr-lang expression
	// against the event rendered as a map.
	FilterExpr FilterKind = "expr"
)

// Filter is one subscription-level predicate. Events that fail any
// filter are considered delivered-but-ignored: the handler never runs,
// but the cursor still advances (spec §4.1 Fanout semantics).
type Filter struct {
	Kind   FilterKind
	Field  string
	Equals any
	Expr   string

	compiled *vm.Program
}

// Compile prepares an expr-lang filter for evaluation. Field filters
// need no compilation step. Call this once at subscription-registration
// time rather than per-event.
func (f *Filter) Compile() error {
	if f.Kind != FilterExpr {
		return nil
	}
	prog, err := expr.Compile(f.Expr, expr.AsBool())
	if err != nil {
		return fmt.Errorf("compile filter expression %q: %w", f.Expr, err)
	}
	f.compiled = prog
	return nil
}

// matches evaluates f against env, a map rendering of the event.
func (f *Filter) matches(env map[string]any) (bool, error) {
	switch f.Kind {
	case FilterField:
		val, ok := lookupPath(env, f.Field)
		if !ok {
			return false, nil
		}
		return fmt.Sprint(val) == fmt.Sprint(f.Equals), nil
	case FilterExpr:
		if f.compiled == nil {
			if err := f.Compile(); err != nil {
				return false, err
			}
		}
		out, err := expr.Run(f.compiled, env)
		if err != nil {
			return false, fmt.Errorf("evaluate filter expression %q: %w", f.Expr, err)
		}
		ok, _ := out.(bool)
		return ok, nil
	default:
		return false, fmt.Errorf("unknown filter kind %q", f.Kind)
	}
}

// lookupPath walks a dotted path ("meta.band", "meta.qos.priority")
// through nested maps, the minimal JSONPath subset the spec calls for.
func lookupPath(env map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = env
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// FilterEvaluation applies a subscription's filters to each delivered
// event (spec §4.3 item 4). All filters must pass (logical AND); a
// subscription wanting OR semantics should express it as a single
// FilterExpr.
type FilterEvaluation struct {
	Base
	filters []Filter
}

// NewFilterEvaluation builds the filter middleware from a subscription's
// filter list, compiling any expr-lang filters eagerly so a malformed
// expression surfaces at registration time, not on first delivery.
func NewFilterEvaluation(filters []Filter) (*FilterEvaluation, error) {
	for i := range filters {
		if err := filters[i].Compile(); err != nil {
			return nil, err
		}
	}
	return &FilterEvaluation{filters: filters}, nil
}

func (*FilterEvaluation) Name() string { return "filter" }

func (f *FilterEvaluation) BeforeHandle(_ context.Context, dctx *DeliveryContext) (Verdict, error) {
	if len(f.filters) == 0 {
		return Allowed(), nil
	}
	env, err := eventEnv(dctx.Event)
	if err != nil {
		return Verdict{}, fmt.Errorf("render event for filtering: %w", err)
	}
	for _, filt := range f.filters {
		ok, err := filt.matches(env)
		if err != nil {
			return Verdict{}, err
		}
		if !ok {
			return Denied("filtered"), nil
		}
	}
	return Allowed(), nil
}

// eventEnv renders an envelope.Event as a plain map[string]any so both
// dotted-path field lookups and expr-lang programs can address it
// uniformly (e.g. "meta.band", `meta.qos.priority > 0.5`).
func eventEnv(e any) (map[string]any, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var env map[string]any
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	return env, nil
}
