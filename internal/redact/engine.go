package redact

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"

	"github.com/ppiankov/clawtrail/internal/event"
)

// maxDepth bounds the value walk. Deeper values, including cyclic
// graphs, are returned unchanged.
const maxDepth = 64

var numberType = reflect.TypeOf(json.Number(""))

// Redactor applies an ordered pattern list to every string reachable from
// a value. It is immutable after New and safe for concurrent use.
type Redactor struct {
	enabled     bool
	patterns    []*regexp.Regexp
	replacement string
}

// New compiles cfg. A disabled config yields an identity Redactor.
func New(cfg Config) (*Redactor, error) {
	if !cfg.Enabled {
		return &Redactor{}, nil
	}
	patterns := cfg.Patterns
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	compiled, err := CompilePatterns(patterns)
	if err != nil {
		return nil, fmt.Errorf("redact: %w", err)
	}
	replacement := cfg.Replacement
	if replacement == "" {
		replacement = DefaultReplacement
	}
	return &Redactor{
		enabled:     true,
		patterns:    compiled,
		replacement: replacement,
	}, nil
}

// Enabled reports whether the redactor rewrites anything.
func (r *Redactor) Enabled() bool {
	return r != nil && r.enabled
}

// String runs each pattern over s in order; every pattern replaces all of
// its matches before the next one runs.
func (r *Redactor) String(s string) string {
	if !r.Enabled() {
		return s
	}
	for _, re := range r.patterns {
		s = re.ReplaceAllLiteralString(s, r.replacement)
	}
	return s
}

// Redact returns a copy of v with every string rewritten. json.Number
// values are numbers, not text, and pass through. Slices and
// arrays map element-wise, maps map value-wise keeping their keys, and
// structs have their exported fields rewritten. v itself is never
// modified. When disabled, v is returned as is.
func (r *Redactor) Redact(v any) any {
	if !r.Enabled() || v == nil {
		return v
	}
	return r.walk(reflect.ValueOf(v), 0).Interface()
}

// RedactEvent is Redact for pipeline events.
func (r *Redactor) RedactEvent(e event.Event) event.Event {
	if !r.Enabled() || e == nil {
		return e
	}
	out, ok := r.Redact(e).(event.Event)
	if !ok {
		return e
	}
	return out
}

func (r *Redactor) walk(v reflect.Value, depth int) reflect.Value {
	if depth > maxDepth || v.Type() == numberType {
		return v
	}
	depth++
	switch v.Kind() {
	case reflect.String:
		nv := reflect.New(v.Type()).Elem()
		nv.SetString(r.String(v.String()))
		return nv

	case reflect.Interface:
		if v.IsNil() {
			return v
		}
		nv := reflect.New(v.Type()).Elem()
		nv.Set(r.walk(v.Elem(), depth))
		return nv

	case reflect.Pointer:
		if v.IsNil() {
			return v
		}
		nv := reflect.New(v.Type().Elem())
		nv.Elem().Set(r.walk(v.Elem(), depth))
		return nv

	case reflect.Struct:
		t := v.Type()
		nv := reflect.New(t).Elem()
		nv.Set(v)
		for i := 0; i < t.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			nv.Field(i).Set(r.walk(v.Field(i), depth))
		}
		return nv

	case reflect.Slice:
		if v.IsNil() || v.Type().Elem().Kind() == reflect.Uint8 {
			return v
		}
		nv := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			nv.Index(i).Set(r.walk(v.Index(i), depth))
		}
		return nv

	case reflect.Array:
		nv := reflect.New(v.Type()).Elem()
		for i := 0; i < v.Len(); i++ {
			nv.Index(i).Set(r.walk(v.Index(i), depth))
		}
		return nv

	case reflect.Map:
		if v.IsNil() {
			return v
		}
		nv := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			nv.SetMapIndex(iter.Key(), r.walk(iter.Value(), depth))
		}
		return nv

	default:
		return v
	}
}
