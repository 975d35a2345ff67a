package to

func Ptr[T any](v T) *T {
	return &v
}

// NilString returns nil for an empty string, otherwise a pointer to the string.
func NilString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

// Empty returns the zero value of the type if the pointer is nil, otherwise it returns the value pointed to by the pointer.
func Empty[T any](ptr *T) T {
	if ptr == nil {
		var zero T
		return zero
	}
	return *ptr
}
