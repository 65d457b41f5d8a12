package policy

import (
	"context"
	_ "embed"
	"sort"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/apperrors"
)

//go:embed mergepolicy.rego
var mergePolicyModule string

// MergePolicy evaluates the canonical-field merge tie-breaks spec.md §4.E
// names: majority-vote name, longest-non-empty description. Scalar
// first-non-empty-by-recency and list set-union are plain deterministic
// Go (no branching policy decision to externalize) and live on
// ScalarByRecency/UnionByKey below.
type MergePolicy struct {
	query rego.PreparedEvalQuery
}

// NewMergePolicy compiles the embedded mergepolicy.rego module.
func NewMergePolicy(ctx context.Context) (*MergePolicy, error) {
	q, err := rego.New(
		rego.Query("data.mergepolicy"),
		rego.Module("mergepolicy.rego", mergePolicyModule),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "compile merge policy")
	}
	return &MergePolicy{query: q}, nil
}

// NameAndDescription resolves the canonical name (majority vote, tie ->
// longest) and description (longest non-empty) across a canonical
// record's contributing source values.
func (m *MergePolicy) NameAndDescription(ctx context.Context, names, descriptions []string) (string, string, error) {
	rs, err := m.query.Eval(ctx, rego.EvalInput(map[string]any{
		"names":        names,
		"descriptions": descriptions,
	}))
	if err != nil {
		return "", "", apperrors.Wrap(err, apperrors.ErrorTypeInternal, "evaluate merge policy")
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return "", "", apperrors.New(apperrors.ErrorTypeInternal, "merge policy produced no result")
	}
	doc, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return "", "", apperrors.New(apperrors.ErrorTypeInternal, "unexpected merge policy result shape")
	}
	name, _ := doc["name"].(string)
	description, _ := doc["description"].(string)
	return name, description, nil
}

// TimestampedValue is one source contribution to a scalar field.
type TimestampedValue struct {
	Value     string
	UpdatedAt int64 // unix seconds
}

// ScalarByRecency implements "all other scalars: first non-empty by
// source updated_at descending" (spec.md §4.E).
func ScalarByRecency(values []TimestampedValue) string {
	sorted := append([]TimestampedValue(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].UpdatedAt > sorted[j].UpdatedAt })
	for _, v := range sorted {
		if v.Value != "" {
			return v.Value
		}
	}
	return ""
}

// UnionByKey implements the list merge rule for phones/languages/
// addresses: set-union keyed by a caller-supplied semantic key (spec.md
// §4.E, e.g. normalized phone digits or (address_1,city,state,postal)).
func UnionByKey[T any](items []T, key func(T) string) []T {
	seen := make(map[string]bool, len(items))
	var out []T
	for _, item := range items {
		k := key(item)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, item)
	}
	return out
}
