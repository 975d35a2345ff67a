package criteria

import (
	"errors"
	"net/url"
	"strings"
	"time"
)

// ErrMatchEvaluation is returned when a predicate can't be evaluated against a resource,
// e.g. because the resource isn't valid JSON or the criteria uses an unsupported modifier.
var ErrMatchEvaluation = errors.New("criteria could not be evaluated")

// Criteria is a resource-type scoped filter a subscription is notified for.
type Criteria struct {
	// ResourceType is the FHIR resource type the criteria applies to, e.g. Observation.
	ResourceType string
	// Conditions are AND-ed together. An empty list matches every resource of ResourceType.
	Conditions []Condition
	// LastUpdatedLowerBound is the optional time lower bound (_lastUpdated=ge...).
	LastUpdatedLowerBound *time.Time
	// Sort is the ordered sort specification given in the criteria. It does not influence delivery order,
	// which is always ascending by marker.
	Sort SortSpec
}

// Condition is a single search parameter. Values are OR-ed together.
type Condition struct {
	Parameter string
	Modifier  string
	Values    []string
}

// String renders the criteria in FHIR search URL form. Parse(c.String()) yields an equal Criteria.
func (c Criteria) String() string {
	var params []string
	for _, condition := range c.Conditions {
		name := condition.Parameter
		if condition.Modifier != "" {
			name += ":" + condition.Modifier
		}
		var values []string
		for _, value := range condition.Values {
			values = append(values, escapeValue(strings.ReplaceAll(value, ",", `\,`)))
		}
		params = append(params, name+"="+strings.Join(values, ","))
	}
	if c.LastUpdatedLowerBound != nil {
		params = append(params, "_lastUpdated=ge"+escapeValue(c.LastUpdatedLowerBound.UTC().Format(time.RFC3339Nano)))
	}
	if len(c.Sort) > 0 {
		params = append(params, "_sort="+c.Sort.String())
	}
	if len(params) == 0 {
		return c.ResourceType
	}
	return c.ResourceType + "?" + strings.Join(params, "&")
}

// escapeValue escapes the characters that would otherwise change the meaning of a search parameter value.
func escapeValue(value string) string {
	return strings.NewReplacer("%", url.QueryEscape("%"), "&", url.QueryEscape("&"), "+", url.QueryEscape("+")).Replace(value)
}

// Query returns the conditions as FHIR search parameters, for forwarding the criteria to a FHIR server.
func (c Criteria) Query() url.Values {
	result := url.Values{}
	for _, condition := range c.Conditions {
		name := condition.Parameter
		if condition.Modifier != "" {
			name += ":" + condition.Modifier
		}
		var values []string
		for _, value := range condition.Values {
			values = append(values, strings.ReplaceAll(value, ",", `\,`))
		}
		result.Add(name, strings.Join(values, ","))
	}
	return result
}
