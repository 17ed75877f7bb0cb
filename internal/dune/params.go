package dune

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	default:
		return "string"
	}
}

var decimalPattern = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)

// Value is a query parameter value.
type Value struct {
	kind Kind
	s    string
	i    int64
	f    float64
	b    bool
}

func String(s string) Value { return Value{kind: KindString, s: s} }

func Int(i int64) Value { return Value{kind: KindInt, i: i} }

func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// ParseValue infers the narrowest kind for a command-line token.
func ParseValue(raw string) Value {
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return Int(i)
	}
	if decimalPattern.MatchString(raw) {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return Float(f)
		}
	}
	switch raw {
	case "true":
		return Bool(true)
	case "false":
		return Bool(false)
	}
	return String(raw)
}

func (v Value) Kind() Kind { return v.kind }

// String returns the text encoding used in query strings.
func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return v.s
	}
}

func (v Value) Interface() any {
	switch v.kind {
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindBool:
		return v.b
	default:
		return v.s
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	decoder := json.NewDecoder(strings.NewReader(string(data)))
	decoder.UseNumber()
	if err := decoder.Decode(&raw); err != nil {
		return err
	}
	switch typed := raw.(type) {
	case string:
		*v = String(typed)
	case bool:
		*v = Bool(typed)
	case json.Number:
		if i, err := typed.Int64(); err == nil {
			*v = Int(i)
			return nil
		}
		f, err := typed.Float64()
		if err != nil {
			return fmt.Errorf("invalid numeric parameter %q: %w", typed, err)
		}
		*v = Float(f)
	default:
		return fmt.Errorf("unsupported parameter value %s", string(data))
	}
	return nil
}

// remoteType is the parameter type name used when registering a query.
func (v Value) remoteType() string {
	switch v.kind {
	case KindInt, KindFloat:
		return "number"
	default:
		return "text"
	}
}

type Parameters map[string]Value

func (p Parameters) Keys() []string {
	keys := make([]string, 0, len(p))
	for key := range p {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// ParseParameters parses "key=value" tokens.
func ParseParameters(tokens []string) (Parameters, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	params := make(Parameters, len(tokens))
	for _, token := range tokens {
		key, value, ok := strings.Cut(token, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q: expected KEY=VALUE", token)
		}
		params[key] = ParseValue(value)
	}
	return params, nil
}
