// Package validate scores an HSDS alignment candidate against the schema
// built by pkg/hsds/schema, computing the confidence figure and retry
// feedback the LLM alignment worker's validation loop consumes (spec.md
// §4.C, §4.D step 4).
package validate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/hsds/schema"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/types"
)

// FieldClass groups a missing field for deduction purposes (spec.md §4.C
// deduction table).
type FieldClass string

const (
	ClassTopLevel     FieldClass = "top_level"
	ClassOrganization FieldClass = "organization"
	ClassService      FieldClass = "service"
	ClassLocation     FieldClass = "location"
	ClassOther        FieldClass = "other"
)

// deductions maps each field class to its (default, known) deduction pair.
var deductions = map[FieldClass][2]float64{
	ClassTopLevel:     {0.15, 0.25},
	ClassOrganization: {0.10, 0.20},
	ClassService:      {0.10, 0.20},
	ClassLocation:     {0.10, 0.20},
	ClassOther:        {0.05, 0.15},
}

// MissingField names one absent field and the class it deducts from.
type MissingField struct {
	Path  string
	Class FieldClass
}

// Result is the validator's verdict on a candidate.
type Result struct {
	Confidence    float64
	MissingFields []MissingField
	Feedback      string
}

// Candidate is the minimal shape the validator inspects: parsed HSDS
// entity lists keyed the same way schema.Build's top-level properties are.
type Candidate struct {
	Organizations []map[string]any
	Services      []map[string]any
	Locations     []map[string]any
}

// CandidateFromHSDS converts a parsed HSDSPayload into the field-level
// Candidate shape the validator inspects, round-tripping through JSON so
// struct field names line up with the schema's required-field paths.
func CandidateFromHSDS(p types.HSDSPayload) (Candidate, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return Candidate{}, err
	}
	var raw struct {
		Organization []map[string]any `json:"organization"`
		Service      []map[string]any `json:"service"`
		Location     []map[string]any `json:"location"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Candidate{}, err
	}
	return Candidate{
		Organizations: raw.Organization,
		Services:      raw.Service,
		Locations:     raw.Location,
	}, nil
}

// classify maps a top-level entity kind to its deduction class.
func classify(entity string) FieldClass {
	switch entity {
	case "organization":
		return ClassOrganization
	case "service":
		return ClassService
	case "location":
		return ClassLocation
	default:
		return ClassOther
	}
}

// Validate scores candidate against the required-field table, weighting
// deductions by whether the caller asserted the field was present in the
// source (knownFields).
func Validate(c Candidate, knownFields map[string]bool) Result {
	var missing []MissingField

	if len(c.Organizations) == 0 {
		missing = append(missing, MissingField{Path: "organization", Class: ClassTopLevel})
	}
	if len(c.Services) == 0 {
		missing = append(missing, MissingField{Path: "service", Class: ClassTopLevel})
	}
	if len(c.Locations) == 0 {
		missing = append(missing, MissingField{Path: "location", Class: ClassTopLevel})
	}

	missing = append(missing, checkEntities("organization", c.Organizations, schema.RequiredFields["organization"])...)
	missing = append(missing, checkEntities("service", c.Services, schema.RequiredFields["service"])...)
	missing = append(missing, checkEntities("location", c.Locations, schema.RequiredFields["location"])...)

	confidence := 1.0
	for _, m := range missing {
		pair := deductions[m.Class]
		if knownFields[m.Path] {
			confidence -= pair[1]
		} else {
			confidence -= pair[0]
		}
	}
	if confidence < 0 {
		confidence = 0
	}

	return Result{
		Confidence:    confidence,
		MissingFields: missing,
		Feedback:      feedbackText(missing),
	}
}

func checkEntities(entity string, rows []map[string]any, required []string) []MissingField {
	var missing []MissingField
	class := classify(entity)
	for i, row := range rows {
		for _, field := range required {
			v, ok := row[field]
			if !ok || isEmpty(v) {
				missing = append(missing, MissingField{
					Path:  fmt.Sprintf("%s[%d].%s", entity, i, field),
					Class: class,
				})
			}
		}
	}
	return missing
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	default:
		return false
	}
}

func feedbackText(missing []MissingField) string {
	if len(missing) == 0 {
		return ""
	}
	paths := make([]string, len(missing))
	for i, m := range missing {
		paths[i] = m.Path
	}
	return "Missing or empty required fields: " + strings.Join(paths, ", ") +
		". Re-emit the candidate with these fields populated."
}
