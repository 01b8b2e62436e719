// Package collab defines the contract for stage participants: pure functions
// from a structured input to a structured output, or an error.
package collab

import (
	"context"
	"encoding/json"
	"fmt"
)

// Input is the keyed map handed to a collaborator.
type Input map[string]any

// Output is the keyed map a collaborator returns. The core reads only the
// keys it needs and tolerates everything else.
type Output map[string]any

// Collaborator is one external stage participant.
type Collaborator interface {
	Name() string
	Invoke(ctx context.Context, in Input) (Output, error)
}

// Func adapts a function to Collaborator.
type Func struct {
	ID string
	Fn func(ctx context.Context, in Input) (Output, error)
}

func (f Func) Name() string { return f.ID }

func (f Func) Invoke(ctx context.Context, in Input) (Output, error) {
	if f.Fn == nil {
		return nil, fmt.Errorf("collaborator %s has no implementation", f.ID)
	}
	return f.Fn(ctx, in)
}

func (o Output) String(key string) string {
	switch v := o[key].(type) {
	case string:
		return v
	case nil:
		return ""
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// Strings reads a list of strings. A single string is returned as a one
// element list; non-string elements are skipped.
func (o Output) Strings(key string) []string {
	switch v := o[key].(type) {
	case []string:
		return v
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Int reads a numeric value, accepting any JSON number representation.
func (o Output) Int(key string) int {
	switch v := o[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

func (o Output) Map(key string) map[string]any {
	if v, ok := o[key].(map[string]any); ok {
		return v
	}
	return nil
}

// Slice returns the list stored at key, or nil when it is not a list.
func (o Output) Slice(key string) []any {
	switch v := o[key].(type) {
	case []any:
		return v
	case []map[string]any:
		out := make([]any, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out
	}
	return nil
}

// DecodeInto round-trips the value at key through JSON into dst.
func (o Output) DecodeInto(key string, dst any) error {
	v, ok := o[key]
	if !ok {
		return fmt.Errorf("missing %q", key)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// Usage extracts integer resource counters from the "usage" key.
func (o Output) Usage() map[string]int {
	raw := o.Map("usage")
	if raw == nil {
		return nil
	}
	out := make(map[string]int, len(raw))
	for k := range raw {
		out[k] = Output(raw).Int(k)
	}
	return out
}

// ToInput converts any JSON-encodable value into an Input map.
func ToInput(v any) (Input, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var in Input
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("input must encode as an object: %w", err)
	}
	return in, nil
}
