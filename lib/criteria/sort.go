package criteria

import (
	"fmt"
	"strings"
)

// SortField is a single (parameter, direction) pair of a sort specification.
type SortField struct {
	Parameter  string
	Descending bool
}

// SortSpec is an ordered sort specification. Insertion order is significant: the first field is the primary sort key.
type SortSpec []SortField

func (s SortSpec) String() string {
	var parts []string
	for _, field := range s {
		if field.Descending {
			parts = append(parts, "-"+field.Parameter)
		} else {
			parts = append(parts, field.Parameter)
		}
	}
	return strings.Join(parts, ",")
}

// parseSort parses a _sort parameter. It supports the comma separated form with a '-' prefix for descending fields
// (_sort=-date,code) and the legacy modifier form (_sort:asc=date, _sort:desc=date).
// Repeated _sort parameters are appended in the order they appear.
func parseSort(spec SortSpec, modifier string, values []string) (SortSpec, error) {
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		field := SortField{Parameter: value}
		switch modifier {
		case "":
			if strings.HasPrefix(value, "-") {
				field.Parameter = strings.TrimPrefix(value, "-")
				field.Descending = true
			}
		case "asc":
		case "desc":
			field.Descending = true
		default:
			return nil, fmt.Errorf("invalid _sort modifier: %s", modifier)
		}
		if field.Parameter == "" {
			return nil, fmt.Errorf("invalid _sort value: %s", value)
		}
		spec = append(spec, field)
	}
	return spec, nil
}
