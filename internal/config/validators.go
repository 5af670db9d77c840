package config

import (
	"fmt"
	"os"
	"slices"
)

// PositiveInt accepts numbers (or numeric strings) greater than zero.
func PositiveInt(v any) (any, error) {
	n, ok := toInt64(v)
	if !ok {
		return nil, fmt.Errorf("expected an integer, got %T", v)
	}
	if n <= 0 {
		return nil, fmt.Errorf("must be positive (got %d)", n)
	}
	return n, nil
}

// NonNegativeInt accepts numbers (or numeric strings) greater or equal to zero.
func NonNegativeInt(v any) (any, error) {
	n, ok := toInt64(v)
	if !ok {
		return nil, fmt.Errorf("expected an integer, got %T", v)
	}
	if n < 0 {
		return nil, fmt.Errorf("must not be negative (got %d)", n)
	}
	return n, nil
}

// PositiveIntOr returns a validator treating zero as unset: it yields def
// for 0 and rejects negative numbers.
func PositiveIntOr(def int64) func(any) (any, error) {
	return func(v any) (any, error) {
		n, ok := toInt64(v)
		if !ok {
			return nil, fmt.Errorf("expected an integer, got %T", v)
		}
		switch {
		case n < 0:
			return nil, fmt.Errorf("must not be negative (got %d)", n)
		case n == 0:
			return def, nil
		}
		return n, nil
	}
}

// KilobytesToBytes converts a KB count into bytes.
func KilobytesToBytes(v any) (any, error) {
	n, ok := toInt64(v)
	if !ok {
		return nil, fmt.Errorf("expected a size in KB, got %T", v)
	}
	if n <= 0 {
		return nil, fmt.Errorf("size must be positive (got %d)", n)
	}
	return n * 1024, nil
}

// ReadKeyFile replaces a path with the file content. Values already holding
// key material ([]byte) pass through unchanged.
func ReadKeyFile(v any) (any, error) {
	switch p := v.(type) {
	case []byte:
		return p, nil
	case string:
		if p == "" {
			return nil, nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("expected a key file path, got %T", v)
	}
}

// OneOf returns a validator accepting only the listed string values.
func OneOf(allowed ...string) func(any) (any, error) {
	return func(v any) (any, error) {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected a string, got %T", v)
		}
		if !slices.Contains(allowed, s) {
			return nil, fmt.Errorf("must be one of %v (got %q)", allowed, s)
		}
		return s, nil
	}
}
