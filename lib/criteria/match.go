package criteria

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// elementPaths maps search parameters to the resource element they search on,
// for parameters whose name differs from the element name.
var elementPaths = map[string]string{
	"_id":       "id",
	"_tag":      "meta.tag",
	"_profile":  "meta.profile",
	"_security": "meta.security",
	"patient":   "subject",
}

// tokenParameters are matched exactly on primitive elements, other parameters use string matching (case-insensitive prefix).
var tokenParameters = map[string]bool{
	"_id":        true,
	"active":     true,
	"code":       true,
	"gender":     true,
	"identifier": true,
	"intent":     true,
	"priority":   true,
	"status":     true,
}

// Matches reports whether the given resource (FHIR JSON) satisfies the criteria.
// A resource of another type never matches. Elements that are absent from the resource don't match.
// If the criteria can't be evaluated against the resource, an error wrapping ErrMatchEvaluation is returned.
func (c Criteria) Matches(resourceType string, resource []byte) (bool, error) {
	if resourceType != c.ResourceType {
		return false, nil
	}
	if !gjson.ValidBytes(resource) {
		return false, fmt.Errorf("%w: %s resource is not valid JSON", ErrMatchEvaluation, resourceType)
	}
	document := gjson.ParseBytes(resource)
	for _, condition := range c.Conditions {
		ok, err := condition.matches(document)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (c Condition) matches(resource gjson.Result) (bool, error) {
	elements := elements(resource, elementPath(c.Parameter))
	switch c.Modifier {
	case "missing":
		if len(c.Values) != 1 {
			return false, fmt.Errorf("%w: %s:missing requires a single value", ErrMatchEvaluation, c.Parameter)
		}
		missing, err := strconv.ParseBool(c.Values[0])
		if err != nil {
			return false, fmt.Errorf("%w: %s:missing: %w", ErrMatchEvaluation, c.Parameter, err)
		}
		return (len(elements) == 0) == missing, nil
	case "not":
		for _, value := range c.Values {
			if c.anyElementMatches(elements, value) {
				return false, nil
			}
		}
		return true, nil
	case "", "exact", "contains":
		for _, value := range c.Values {
			if c.anyElementMatches(elements, value) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("%w: unsupported modifier %s:%s", ErrMatchEvaluation, c.Parameter, c.Modifier)
	}
}

func (c Condition) anyElementMatches(elements []gjson.Result, value string) bool {
	for _, element := range elements {
		var ok bool
		switch {
		case element.IsObject() && element.Get("reference").Exists():
			ok = matchReference(element.Get("reference").String(), value)
		case element.IsObject():
			ok = matchToken(element, value)
		default:
			ok = c.matchPrimitive(element.String(), value)
		}
		if ok {
			return true
		}
	}
	return false
}

func (c Condition) matchPrimitive(actual string, value string) bool {
	switch c.Modifier {
	case "exact":
		return actual == value
	case "contains":
		return strings.Contains(strings.ToLower(actual), strings.ToLower(value))
	}
	if system, code, isToken := strings.Cut(value, "|"); isToken {
		// A primitive has no system
		if system != "" {
			return false
		}
		return code == "" || actual == code
	}
	if tokenParameters[c.Parameter] {
		return actual == value
	}
	return strings.HasPrefix(strings.ToLower(actual), strings.ToLower(value))
}

// matchToken matches a token value (system|code, |code, system| or code) against a CodeableConcept, Coding or Identifier.
func matchToken(element gjson.Result, value string) bool {
	if codings := element.Get("coding"); codings.IsArray() {
		for _, coding := range codings.Array() {
			if matchToken(coding, value) {
				return true
			}
		}
		return false
	}
	system, code, hasSystem := strings.Cut(value, "|")
	if !hasSystem {
		code = system
	}
	actualCode := element.Get("code")
	if !actualCode.Exists() {
		actualCode = element.Get("value")
	}
	actualSystem := element.Get("system")
	if hasSystem {
		if system == "" && actualSystem.Exists() {
			return false
		}
		if system != "" && actualSystem.String() != system {
			return false
		}
	}
	if code == "" {
		return hasSystem
	}
	return actualCode.Exists() && actualCode.String() == code
}

// matchReference matches a reference search value, which is either a relative reference (Patient/123),
// an absolute reference or a logical ID (123).
func matchReference(actual string, value string) bool {
	if value == "" {
		return false
	}
	return actual == value || strings.HasSuffix(actual, "/"+value)
}

func elementPath(parameter string) string {
	if path, ok := elementPaths[parameter]; ok {
		return path
	}
	return parameter
}

// elements resolves a dot-separated element path, flattening repeating elements. Null values are skipped.
func elements(resource gjson.Result, path string) []gjson.Result {
	current := []gjson.Result{resource}
	for _, segment := range strings.Split(path, ".") {
		var next []gjson.Result
		for _, item := range current {
			child := item.Get(segment)
			if child.IsArray() {
				for _, entry := range child.Array() {
					if entry.Type != gjson.Null {
						next = append(next, entry)
					}
				}
			} else if child.Exists() && child.Type != gjson.Null {
				next = append(next, child)
			}
		}
		current = next
	}
	return current
}
