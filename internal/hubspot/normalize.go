package hubspot

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/spf13/cast"

	"crmsync/internal/etl"
	"crmsync/internal/logger"
)

// EntitySchemaNormalization coerces CRM property values to their schema
// types. The API renders almost every property as a string, so numbers,
// booleans and dates arrive as text.
type EntitySchemaNormalization struct{}

var _ etl.Normalizer = EntitySchemaNormalization{}

// Normalize rewrites every top-level field of rec that schema declares.
func (n EntitySchemaNormalization) Normalize(rec etl.Record, schema *etl.Schema) {
	if schema == nil {
		return
	}
	for key, value := range rec {
		field, ok := schema.Properties[key]
		if !ok || field == nil {
			continue
		}
		rec[key] = n.Coerce(value, field)
	}
}

// Coerce converts one value to the type declared by field. Values that cannot
// be converted are returned unchanged.
func (n EntitySchemaNormalization) Coerce(value any, field *etl.Schema) any {
	if field.AllowsNull() {
		if value == nil {
			return nil
		}
		if field.Format != "" && value == "" {
			return nil
		}
	}

	if s, ok := value.(string); ok {
		if !field.Type.Has(etl.TypeString) && s == "" {
			return nil
		}
		if field.Type.Has(etl.TypeNumber) {
			return coerceNumber(s)
		}
		if field.Type.Has(etl.TypeBoolean) {
			switch strings.ToLower(s) {
			case "true":
				return true
			case "false":
				return false
			}
		}
		if field.Format != "" {
			if !field.CastsDatetime() {
				return s
			}
			switch field.Format {
			case etl.FormatDate:
				if t, ok := ParseDatetime(s); ok {
					return FormatDate(t)
				}
				return s
			case etl.FormatDateTime:
				if t, ok := ParseDatetime(s); ok {
					return FormatDatetime(t)
				}
				return s
			}
		}
	}

	if obj, ok := value.(map[string]any); ok && field.Properties != nil {
		out := make(map[string]any, len(obj))
		for k, v := range obj {
			if sub, declared := field.Properties[k]; declared && sub != nil {
				out[k] = n.Coerce(v, sub)
				continue
			}
			out[k] = v
		}
		return out
	}

	return defaultConvert(value, field)
}

// coerceNumber strips thousands separators and picks an integer when only
// digits remain.
func coerceNumber(s string) any {
	digits := strings.ReplaceAll(s, ",", "")
	if isDigits(digits) {
		if n, err := strconv.ParseInt(digits, 10, 64); err == nil {
			return n
		}
	}
	f, err := strconv.ParseFloat(digits, 64)
	if err != nil {
		logger.Logger.Warnw("could not cast value to number", "value", s, "error", err)
		return s
	}
	return f
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// defaultConvert applies the plain JSON-schema conversions for values the
// CRM-specific rules left alone.
func defaultConvert(value any, field *etl.Schema) any {
	switch v := value.(type) {
	case nil:
		return nil
	case json.Number:
		switch {
		case field.Type.Has(etl.TypeInteger):
			if n, err := v.Int64(); err == nil {
				return n
			}
		case field.Type.Has(etl.TypeNumber):
			if f, err := v.Float64(); err == nil {
				return f
			}
		case field.Type.Has(etl.TypeString):
			return v.String()
		}
	case string:
		if field.Type.Has(etl.TypeInteger) {
			if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				return n
			}
		}
	case bool:
		if !field.Type.Has(etl.TypeBoolean) && field.Type.Has(etl.TypeString) {
			return strconv.FormatBool(v)
		}
	case int, int64, float64:
		if !field.Type.Has(etl.TypeNumber) && !field.Type.Has(etl.TypeInteger) && field.Type.Has(etl.TypeString) {
			return cast.ToString(v)
		}
	}
	return value
}
