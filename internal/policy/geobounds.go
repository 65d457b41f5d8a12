// Package policy evaluates the Rego decisions spec.md §4.E leans on: the
// continental-US geo-bounds clamp applied to ingress coordinates, and the
// canonical-field merge tie-breaks the reconciler runs inside its
// transaction.
package policy

import (
	"context"
	_ "embed"
	"encoding/json"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/apperrors"
)

//go:embed geobounds.rego
var geoBoundsModule string

// GeoBounds evaluates the continental-US bounding box policy.
type GeoBounds struct {
	query rego.PreparedEvalQuery
}

// NewGeoBounds compiles the embedded geobounds.rego module once at
// construction time.
func NewGeoBounds(ctx context.Context) (*GeoBounds, error) {
	q, err := rego.New(
		rego.Query("data.geobounds"),
		rego.Module("geobounds.rego", geoBoundsModule),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "compile geobounds policy")
	}
	return &GeoBounds{query: q}, nil
}

// ClampResult is the outcome of evaluating a coordinate pair against the
// bounds policy.
type ClampResult struct {
	Latitude  float64
	Longitude float64
	Clamped   bool
	Missing   bool
}

// Evaluate clamps (lat, lng) into the continental-US box (spec.md §8
// boundary example: (50.0,-130.0) clamps to (49.0,-125.0)), and flags
// (0,0) as missing per spec.md's Open Question (ii) resolution.
func (g *GeoBounds) Evaluate(ctx context.Context, lat, lng float64) (ClampResult, error) {
	rs, err := g.query.Eval(ctx, rego.EvalInput(map[string]any{
		"latitude":  lat,
		"longitude": lng,
	}))
	if err != nil {
		return ClampResult{}, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "evaluate geobounds policy")
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return ClampResult{}, apperrors.New(apperrors.ErrorTypeInternal, "geobounds policy produced no result")
	}

	doc, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return ClampResult{}, apperrors.New(apperrors.ErrorTypeInternal, "unexpected geobounds policy result shape")
	}

	missing, _ := doc["is_missing"].(bool)
	if missing {
		return ClampResult{Missing: true}, nil
	}

	clampedLat, _ := toFloat(doc["clamped_latitude"])
	clampedLng, _ := toFloat(doc["clamped_longitude"])
	return ClampResult{
		Latitude:  clampedLat,
		Longitude: clampedLng,
		Clamped:   clampedLat != lat || clampedLng != lng,
	}, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
