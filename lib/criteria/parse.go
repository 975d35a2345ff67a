package criteria

import (
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"time"
)

var resourceTypePattern = regexp.MustCompile(`^[A-Z][A-Za-z]+$`)

var parameterPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]*$`)

// resultParameters control the shape of a search result and don't filter resources, so they're dropped.
var resultParameters = []string{"_format", "_pretty", "_summary", "_elements", "_count", "_include", "_revinclude", "_total"}

// Parse parses a FHIR subscription criteria string, e.g. "Observation?code=http://snomed.info/sct|82313006".
func Parse(criteria string) (Criteria, error) {
	criteria = strings.TrimSpace(criteria)
	resourceType, query, _ := strings.Cut(criteria, "?")
	if !resourceTypePattern.MatchString(resourceType) {
		return Criteria{}, fmt.Errorf("invalid criteria (resource type): %s", criteria)
	}
	result := Criteria{ResourceType: resourceType}
	if query == "" {
		return result, nil
	}
	for _, param := range strings.Split(query, "&") {
		if param == "" {
			continue
		}
		rawName, rawValue, ok := strings.Cut(param, "=")
		if !ok {
			return Criteria{}, fmt.Errorf("invalid criteria (parameter without value): %s", param)
		}
		name, err := url.QueryUnescape(rawName)
		if err != nil {
			return Criteria{}, fmt.Errorf("invalid criteria (parameter name): %w", err)
		}
		name, modifier, _ := strings.Cut(name, ":")
		if !parameterPattern.MatchString(name) {
			return Criteria{}, fmt.Errorf("invalid criteria (parameter name): %s", param)
		}
		values, err := splitValues(rawValue)
		if err != nil {
			return Criteria{}, fmt.Errorf("invalid criteria (parameter %s): %w", name, err)
		}
		switch {
		case slices.Contains(resultParameters, name):
			continue
		case name == "_sort":
			if result.Sort, err = parseSort(result.Sort, modifier, values); err != nil {
				return Criteria{}, err
			}
		case name == "_lastUpdated":
			bound, err := parseLowerBound(values)
			if err != nil {
				return Criteria{}, err
			}
			if result.LastUpdatedLowerBound == nil || bound.After(*result.LastUpdatedLowerBound) {
				result.LastUpdatedLowerBound = &bound
			}
		default:
			result.Conditions = append(result.Conditions, Condition{
				Parameter: name,
				Modifier:  modifier,
				Values:    values,
			})
		}
	}
	return result, nil
}

// MustParse is like Parse, but panics on invalid criteria.
func MustParse(criteria string) Criteria {
	result, err := Parse(criteria)
	if err != nil {
		panic(err)
	}
	return result
}

// splitValues splits a comma separated value list. A comma can be escaped with a backslash.
func splitValues(rawValue string) ([]string, error) {
	rawValue = strings.ReplaceAll(rawValue, `\,`, "\x00")
	var result []string
	for _, token := range strings.Split(rawValue, ",") {
		value, err := url.QueryUnescape(token)
		if err != nil {
			return nil, err
		}
		result = append(result, strings.ReplaceAll(value, "\x00", ","))
	}
	return result, nil
}

// parseLowerBound parses the value of a _lastUpdated parameter. Only lower bounds (ge, gt) are supported.
func parseLowerBound(values []string) (time.Time, error) {
	if len(values) != 1 {
		return time.Time{}, fmt.Errorf("invalid criteria (_lastUpdated): expected a single value")
	}
	value := values[0]
	var exclusive bool
	switch {
	case strings.HasPrefix(value, "ge"):
		value = value[2:]
	case strings.HasPrefix(value, "gt"):
		value = value[2:]
		exclusive = true
	default:
		return time.Time{}, fmt.Errorf("invalid criteria (_lastUpdated): only ge and gt prefixes are supported: %s", values[0])
	}
	var bound time.Time
	var err error
	if len(value) == len(time.DateOnly) {
		bound, err = time.Parse(time.DateOnly, value)
	} else {
		bound, err = time.Parse(time.RFC3339Nano, value)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid criteria (_lastUpdated): %w", err)
	}
	if exclusive {
		bound = bound.Add(time.Nanosecond)
	}
	return bound.UTC(), nil
}
