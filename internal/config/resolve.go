package config

import (
	"fmt"
	"maps"
	"sort"
	"strconv"
	"time"

	"github.com/mattjoyce/bigstream/internal/pipeerr"
)

// Option declares one configuration key a stage expects.
// A nil Default means the option is omitted when nobody supplies it.
type Option struct {
	Name     string
	Default  any
	Validate func(v any) (any, error)
}

// Options is an ordered set of declared options.
type Options []Option

// Names returns the declared option names in declaration order.
func (o Options) Names() []string {
	out := make([]string, 0, len(o))
	for _, opt := range o {
		out = append(out, opt.Name)
	}
	return out
}

// Credentials is the credential store view consulted before any other source.
// Keys may sit at the top level or nested under a "credentials" map.
type Credentials map[string]any

// Lookup returns the credential value for name.
func (c Credentials) Lookup(name string) (any, bool) {
	if c == nil {
		return nil, false
	}
	if v, ok := c[name]; ok && name != "credentials" {
		return v, true
	}
	if nested, ok := c["credentials"].(map[string]any); ok {
		v, ok := nested[name]
		return v, ok
	}
	return nil, false
}

// Resolved is a flat option map produced by Resolve.
type Resolved map[string]any

// Merge returns a shallow copy of base with overrides applied on top.
func Merge(base, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overrides))
	maps.Copy(out, base)
	maps.Copy(out, overrides)
	return out
}

// Resolve picks every declared option from credentials, then the merged
// base/override config, then the declared default, and runs its validator.
func Resolve(base, overrides map[string]any, creds Credentials, declared Options) (Resolved, error) {
	merged := Merge(base, overrides)
	out := make(Resolved, len(declared))

	for _, opt := range declared {
		var (
			v     any
			found bool
		)
		if cv, ok := creds.Lookup(opt.Name); ok {
			v, found = cv, true
		} else if mv, ok := merged[opt.Name]; ok && mv != nil {
			v, found = mv, true
		} else if opt.Default != nil {
			v, found = opt.Default, true
		}
		if !found {
			continue
		}

		if opt.Validate != nil {
			validated, err := opt.Validate(v)
			if err != nil {
				return nil, &pipeerr.ConfigError{Option: opt.Name, Err: err}
			}
			v = validated
		}
		out[opt.Name] = v
	}
	return out, nil
}

// With returns a copy of r with other laid on top.
func (r Resolved) With(other map[string]any) Resolved {
	return Resolved(Merge(r, other))
}

// secretOptions are masked in every snapshot leaving the engine.
var secretOptions = map[string]struct{}{
	"password":   {},
	"passphrase": {},
	"privateKey": {},
}

// Redacted returns a copy of r with secret values masked.
func (r Resolved) Redacted() map[string]any {
	out := make(map[string]any, len(r))
	for k, v := range r {
		if _, secret := secretOptions[k]; secret && v != nil {
			out[k] = "********"
			continue
		}
		out[k] = v
	}
	return out
}

// Keys returns the option names in sorted order.
func (r Resolved) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String returns the option as a string, or def when absent.
func (r Resolved) String(name, def string) string {
	v, ok := r[name]
	if !ok || v == nil {
		return def
	}
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(v)
	}
}

// Int returns the option as an int64, or def when absent or not numeric.
func (r Resolved) Int(name string, def int64) int64 {
	n, ok := toInt64(r[name])
	if !ok {
		return def
	}
	return n
}

// Bytes returns the option as raw bytes (e.g. key material).
func (r Resolved) Bytes(name string) []byte {
	switch v := r[name].(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	default:
		return nil
	}
}

// Millis returns a millisecond option as a duration.
func (r Resolved) Millis(name string, def time.Duration) time.Duration {
	n, ok := toInt64(r[name])
	if !ok {
		return def
	}
	return time.Duration(n) * time.Millisecond
}

// Has reports whether the option is present with a non-empty value.
func (r Resolved) Has(name string) bool {
	v, ok := r[name]
	if !ok || v == nil {
		return false
	}
	if s, isString := v.(string); isString {
		return s != ""
	}
	return true
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}
