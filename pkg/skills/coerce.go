package skills

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Coerce returns a copy of args with values converted to the declared
// parameter types where the conversion is lossless: numeric strings to
// numbers, "true"/"false" to booleans, numbers and booleans to strings.
// Anything else is passed through for the schema to reject.
func Coerce(params []Param, args map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		out[k] = v
	}

	for _, p := range params {
		v, ok := out[p.Name]
		if !ok {
			if p.Default != nil {
				out[p.Name] = p.Default
			}
			continue
		}
		out[p.Name] = coerceValue(p.Type, v)
	}
	return out
}

func coerceValue(typ string, v interface{}) interface{} {
	switch typ {
	case "integer":
		switch x := v.(type) {
		case string:
			if n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64); err == nil {
				return n
			}
		case float64:
			if x == math.Trunc(x) {
				return int64(x)
			}
		case json.Number:
			if n, err := x.Int64(); err == nil {
				return n
			}
		}
	case "number":
		switch x := v.(type) {
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
				return f
			}
		case json.Number:
			if f, err := x.Float64(); err == nil {
				return f
			}
		}
	case "boolean":
		if s, ok := v.(string); ok {
			switch strings.ToLower(strings.TrimSpace(s)) {
			case "true":
				return true
			case "false":
				return false
			}
		}
	case "string":
		switch x := v.(type) {
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64)
		case int64:
			return strconv.FormatInt(x, 10)
		case int:
			return strconv.Itoa(x)
		case bool:
			return strconv.FormatBool(x)
		case json.Number:
			return x.String()
		}
	}
	return v
}

// Int reads an integer argument after coercion, falling back to def.
func Int(args map[string]interface{}, name string, def int) int {
	switch x := args[name].(type) {
	case int64:
		return int(x)
	case int:
		return x
	case float64:
		return int(x)
	}
	return def
}

// String reads a string argument, falling back to def.
func String(args map[string]interface{}, name, def string) string {
	if s, ok := args[name].(string); ok && s != "" {
		return s
	}
	return def
}
