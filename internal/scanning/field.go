package scanning

import "encoding/json"

// Field is a value the model may or may not have produced. Absence is kept
// distinct from the zero value so that a missing latitude never reads as 0.
type Field[T any] struct {
	value T
	ok    bool
}

// Present wraps an extracted value
func Present[T any](v T) Field[T] {
	return Field[T]{value: v, ok: true}
}

// Absent is a field that was missing or could not be read
func Absent[T any]() Field[T] {
	return Field[T]{}
}

// Get returns the value and whether it is present
func (f Field[T]) Get() (T, bool) {
	return f.value, f.ok
}

func (f Field[T]) IsPresent() bool {
	return f.ok
}

// OrElse returns the value, or def when absent
func (f Field[T]) OrElse(def T) T {
	if !f.ok {
		return def
	}
	return f.value
}

// Ptr returns a pointer to a copy of the value, or nil when absent
func (f Field[T]) Ptr() *T {
	if !f.ok {
		return nil
	}
	v := f.value
	return &v
}

// MarshalJSON encodes an absent field as null
func (f Field[T]) MarshalJSON() ([]byte, error) {
	if !f.ok {
		return []byte("null"), nil
	}
	return json.Marshal(f.value)
}
