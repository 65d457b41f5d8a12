// Package schema converts the HSDS CSV schema into a strict JSON-Schema
// (Draft-07) document restricted to {organization, service, location} and
// their transitive children, per spec.md §4.C.
//
// The object model is github.com/getkin/kin-openapi's openapi3.Schema:
// structurally a JSON-Schema subset (type/format/required/properties/
// enum/pattern/minimum/maximum) that marshals to exactly the constraints
// the spec's format-token table names, without hand-rolling a parallel
// schema type.
package schema

import (
	"regexp"

	"github.com/getkin/kin-openapi/openapi3"
)

// Format tokens recognized by the HSDS CSV schema (spec.md §4.C table).
const (
	FormatURI          = "uri"
	FormatEmail        = "email"
	FormatYear         = "%Y"
	FormatTime         = "HH:MM"
	FormatISO639       = "ISO639"
	FormatISO3361      = "ISO3361"
	FormatCurrencyCode = "currency_code"
	FormatLatitude     = "latitude"
	FormatLongitude    = "longitude"
	FormatTimezone     = "timezone"
)

var (
	yearPattern = `^\d{4}$`
	timePattern = `^([01]\d|2[0-3]):[0-5]\d(Z|[+-]\d{2}:00)$`
	iso639      = `^[a-z]{2,3}$`
	iso3361     = `^[A-Z]{2}$`
	currency    = `^[A-Z]{3}$`
)

func mustCompile(pattern string) *regexp.Regexp { return regexp.MustCompile(pattern) }

// Patterns exposes the compiled regexes backing the format tokens above,
// for reuse by the field validator and by tests.
var Patterns = struct {
	Year, Time, ISO639, ISO3361, Currency *regexp.Regexp
}{
	Year:     mustCompile(yearPattern),
	Time:     mustCompile(timePattern),
	ISO639:   mustCompile(iso639),
	ISO3361:  mustCompile(iso3361),
	Currency: mustCompile(currency),
}

// Enums recognized by the HSDS schema (spec.md §4.C table).
var (
	ServiceStatusEnum = []string{"active", "inactive", "defunct", "temporarily closed"}
	PhoneTypeEnum     = []string{"text", "voice", "fax", "cell", "video", "pager", "textphone"}
	ScheduleFreqEnum  = []string{"WEEKLY", "MONTHLY"}
	ScheduleWkstEnum  = []string{"MO", "TU", "WE", "TH", "FR", "SA", "SU"}
)

func enumSchema(values []string) *openapi3.Schema {
	s := openapi3.NewStringSchema()
	for _, v := range values {
		s.Enum = append(s.Enum, v)
	}
	return s
}

func formatStringSchema(pattern string) *openapi3.Schema {
	s := openapi3.NewStringSchema()
	s.Pattern = pattern
	return s
}

// RequiredFields enumerates the required fields per entity, top-level and
// children (spec.md §4.C: "Required fields per entity ... are enumerated
// and enforced").
var RequiredFields = map[string][]string{
	"organization": {"id", "name", "description"},
	"service":      {"id", "organization_id", "name", "status"},
	"location":     {"id", "name", "latitude", "longitude"},
	"address":      {"address_1", "city", "state_province", "postal_code"},
	"phone":        {"number"},
	"schedule":     {"freq", "opens_at", "closes_at"},
	"language":     {"code"},
}

// Build constructs the Draft-07-shaped JSON Schema document for the three
// top-level HSDS entities and their children.
func Build() *openapi3.Schema {
	root := openapi3.NewObjectSchema()
	root.Title = "HSDS alignment candidate"
	root.Properties = openapi3.Schemas{
		"organization": openapi3.NewSchemaRef("", arraySchema(organizationSchema())),
		"service":      openapi3.NewSchemaRef("", arraySchema(serviceSchema())),
		"location":     openapi3.NewSchemaRef("", arraySchema(locationSchema())),
	}
	return root
}

func arraySchema(items *openapi3.Schema) *openapi3.Schema {
	s := openapi3.NewArraySchema()
	s.Items = openapi3.NewSchemaRef("", items)
	return s
}

func ref(s *openapi3.Schema) *openapi3.SchemaRef { return openapi3.NewSchemaRef("", s) }

func organizationSchema() *openapi3.Schema {
	s := openapi3.NewObjectSchema()
	s.Required = RequiredFields["organization"]
	s.Properties = openapi3.Schemas{
		"id":                ref(openapi3.NewStringSchema()),
		"name":              ref(openapi3.NewStringSchema()),
		"description":       ref(openapi3.NewStringSchema()),
		"website":           ref(openapi3.NewStringSchema().WithFormat(FormatURI)),
		"email":             ref(openapi3.NewStringSchema().WithFormat(FormatEmail)),
		"year_incorporated": ref(formatStringSchema(yearPattern)),
		"phones":            ref(arraySchema(phoneSchema())),
		"languages":         ref(arraySchema(languageSchema())),
	}
	return s
}

func serviceSchema() *openapi3.Schema {
	s := openapi3.NewObjectSchema()
	s.Required = RequiredFields["service"]
	s.Properties = openapi3.Schemas{
		"id":              ref(openapi3.NewStringSchema()),
		"organization_id": ref(openapi3.NewStringSchema()),
		"name":            ref(openapi3.NewStringSchema()),
		"description":     ref(openapi3.NewStringSchema()),
		"status":          ref(enumSchema(ServiceStatusEnum)),
		"phones":          ref(arraySchema(phoneSchema())),
		"languages":       ref(arraySchema(languageSchema())),
		"schedules":       ref(arraySchema(scheduleSchema())),
	}
	return s
}

func locationSchema() *openapi3.Schema {
	s := openapi3.NewObjectSchema()
	s.Required = RequiredFields["location"]
	s.Properties = openapi3.Schemas{
		"id":            ref(openapi3.NewStringSchema()),
		"name":          ref(openapi3.NewStringSchema()),
		"description":   ref(openapi3.NewStringSchema()),
		"latitude":      ref(openapi3.NewFloat64Schema().WithMin(-90).WithMax(90)),
		"longitude":     ref(openapi3.NewFloat64Schema().WithMin(-180).WithMax(180)),
		"addresses":     ref(arraySchema(addressSchema())),
		"phones":        ref(arraySchema(phoneSchema())),
		"schedules":     ref(arraySchema(scheduleSchema())),
		"accessibility": ref(arraySchema(accessibilitySchema())),
	}
	return s
}

func addressSchema() *openapi3.Schema {
	s := openapi3.NewObjectSchema()
	s.Required = RequiredFields["address"]
	s.Properties = openapi3.Schemas{
		"address_1":      ref(openapi3.NewStringSchema()),
		"city":           ref(openapi3.NewStringSchema()),
		"state_province": ref(openapi3.NewStringSchema()),
		"postal_code":    ref(openapi3.NewStringSchema()),
		"country":        ref(formatStringSchema(iso3361)),
	}
	return s
}

func phoneSchema() *openapi3.Schema {
	s := openapi3.NewObjectSchema()
	s.Required = RequiredFields["phone"]
	s.Properties = openapi3.Schemas{
		"number": ref(openapi3.NewStringSchema()),
		"type":   ref(enumSchema(PhoneTypeEnum)),
	}
	return s
}

func scheduleSchema() *openapi3.Schema {
	s := openapi3.NewObjectSchema()
	s.Required = RequiredFields["schedule"]
	s.Properties = openapi3.Schemas{
		"freq":      ref(enumSchema(ScheduleFreqEnum)),
		"wkst":      ref(enumSchema(ScheduleWkstEnum)),
		"opens_at":  ref(formatStringSchema(timePattern)),
		"closes_at": ref(formatStringSchema(timePattern)),
		"byday":     ref(openapi3.NewStringSchema()),
	}
	return s
}

func languageSchema() *openapi3.Schema {
	s := openapi3.NewObjectSchema()
	s.Required = RequiredFields["language"]
	s.Properties = openapi3.Schemas{
		"code": ref(formatStringSchema(iso639)),
	}
	return s
}

func accessibilitySchema() *openapi3.Schema {
	s := openapi3.NewObjectSchema()
	s.Required = []string{"description"}
	s.Properties = openapi3.Schemas{
		"description": ref(openapi3.NewStringSchema()),
	}
	return s
}
