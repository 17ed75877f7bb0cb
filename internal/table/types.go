package table

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

type Type string

const (
	TypeString    Type = "string"
	TypeInt64     Type = "int64"
	TypeFloat64   Type = "float64"
	TypeBool      Type = "bool"
	TypeTimestamp Type = "timestamp"
)

// NullText is the textual null marker accepted on input.
const NullText = "<nil>"

var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999999 MST",
	"2006-01-02 15:04:05 MST",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

// ParseType accepts the type names users type on the command line.
func ParseType(raw string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "string", "str", "utf8", "text", "varchar":
		return TypeString, nil
	case "int", "int64", "integer", "bigint", "i64":
		return TypeInt64, nil
	case "float", "float64", "double", "f64", "real":
		return TypeFloat64, nil
	case "bool", "boolean":
		return TypeBool, nil
	case "timestamp", "datetime", "date", "time":
		return TypeTimestamp, nil
	default:
		return "", fmt.Errorf("%w: unknown type %q", ErrTypeOverride, raw)
	}
}

// DeclaredType maps a remote column type onto a table type. Anything without
// a lossless native representation (uint256, decimals, varbinary, arrays,
// maps) stays a string.
func DeclaredType(remote string) Type {
	normalized := strings.ToLower(strings.TrimSpace(remote))
	switch {
	case normalized == "varchar" || normalized == "char" || strings.HasPrefix(normalized, "varchar("):
		return TypeString
	case normalized == "bigint" || normalized == "integer" || normalized == "int" ||
		normalized == "smallint" || normalized == "tinyint":
		return TypeInt64
	case normalized == "double" || normalized == "real" || normalized == "float":
		return TypeFloat64
	case normalized == "boolean":
		return TypeBool
	case normalized == "date" || strings.HasPrefix(normalized, "timestamp"):
		return TypeTimestamp
	default:
		return TypeString
	}
}

// Convert coerces a decoded value into the Go representation of typ.
func Convert(value any, typ Type) (any, error) {
	if value == nil {
		return nil, nil
	}
	if text, ok := value.(string); ok && text == NullText {
		return nil, nil
	}
	switch typ {
	case TypeString:
		return toString(value)
	case TypeInt64:
		return toInt64(value)
	case TypeFloat64:
		return toFloat64(value)
	case TypeBool:
		return toBool(value)
	case TypeTimestamp:
		return toTimestamp(value)
	default:
		return nil, fmt.Errorf("unsupported type %q", typ)
	}
}

// FormatValue renders a table value as text. Nil renders as the empty string.
func FormatValue(value any) string {
	if value == nil {
		return ""
	}
	text, err := toString(value)
	if err != nil {
		return fmt.Sprint(value)
	}
	return text.(string)
}

func toString(value any) (any, error) {
	switch typed := value.(type) {
	case string:
		return typed, nil
	case json.Number:
		return typed.String(), nil
	case int64:
		return strconv.FormatInt(typed, 10), nil
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(typed), nil
	case time.Time:
		return typed.UTC().Format(time.RFC3339Nano), nil
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return nil, fmt.Errorf("encode composite value: %w", err)
		}
		return string(encoded), nil
	}
}

func toInt64(value any) (any, error) {
	switch typed := value.(type) {
	case int64:
		return typed, nil
	case json.Number:
		return parseInt(typed.String())
	case string:
		return parseInt(strings.TrimSpace(typed))
	case float64:
		if typed != math.Trunc(typed) || math.IsInf(typed, 0) || math.IsNaN(typed) {
			return nil, fmt.Errorf("%v is not an integer", typed)
		}
		return int64(typed), nil
	case bool:
		if typed {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		return nil, fmt.Errorf("cannot convert %T to int64", value)
	}
}

func parseInt(raw string) (any, error) {
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt64 {
		return nil, fmt.Errorf("%q is not an int64", raw)
	}
	return int64(f), nil
}

func toFloat64(value any) (any, error) {
	switch typed := value.(type) {
	case float64:
		return typed, nil
	case int64:
		return float64(typed), nil
	case json.Number:
		return strconv.ParseFloat(typed.String(), 64)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a float64", typed)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("cannot convert %T to float64", value)
	}
}

func toBool(value any) (any, error) {
	switch typed := value.(type) {
	case bool:
		return typed, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(typed))
		if err != nil {
			return nil, fmt.Errorf("%q is not a bool", typed)
		}
		return b, nil
	case int64:
		return typed != 0, nil
	case json.Number:
		return typed.String() != "0", nil
	default:
		return nil, fmt.Errorf("cannot convert %T to bool", value)
	}
}

func toTimestamp(value any) (any, error) {
	switch typed := value.(type) {
	case time.Time:
		return typed.UTC(), nil
	case string:
		trimmed := strings.TrimSpace(typed)
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, trimmed); err == nil {
				return parsed.UTC(), nil
			}
		}
		return nil, fmt.Errorf("%q is not a timestamp", typed)
	case int64:
		return time.Unix(typed, 0).UTC(), nil
	case json.Number:
		seconds, err := typed.Int64()
		if err != nil {
			return nil, fmt.Errorf("%q is not a unix timestamp", typed)
		}
		return time.Unix(seconds, 0).UTC(), nil
	default:
		return nil, fmt.Errorf("cannot convert %T to timestamp", value)
	}
}
