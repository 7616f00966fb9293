package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gridbase/internal/metadata"
	"gridbase/internal/store"
)

// simpleType buckets information_schema data types for coercion.
func simpleType(dataType string) string {
	switch dataType {
	case "integer", "bigint", "smallint":
		return "int"
	case "numeric", "real", "double precision":
		return "float"
	case "boolean":
		return "bool"
	case "json", "jsonb":
		return "json"
	default:
		return "string"
	}
}

// coerceParam converts a query-parameter string to the column's Go type.
func coerceParam(col *store.Column, raw string) (any, error) {
	switch simpleType(col.DataType) {
	case "int":
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", raw)
		}
		return n, nil
	case "float":
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", raw)
		}
		return f, nil
	case "bool":
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid boolean %q", raw)
		}
		return b, nil
	default:
		return raw, nil
	}
}

// coerceBody converts a decoded JSON value to the column's type. Values that
// already carry a database type (int64, time.Time) pass through, so current
// rows can be merged with a patch body and re-validated as one payload.
func coerceBody(col *store.Column, v any) (any, error) {
	switch simpleType(col.DataType) {
	case "int":
		switch n := v.(type) {
		case int64:
			return n, nil
		case float64:
			if n != float64(int64(n)) {
				return nil, fmt.Errorf("expected integer")
			}
			return int64(n), nil
		}
		return nil, fmt.Errorf("expected integer")
	case "float":
		switch n := v.(type) {
		case float64:
			return n, nil
		case int64:
			return float64(n), nil
		}
		return nil, fmt.Errorf("expected number")
	case "bool":
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("expected boolean")
		}
		return b, nil
	case "json":
		return v, nil
	default:
		switch s := v.(type) {
		case string:
			return s, nil
		case time.Time:
			return s, nil
		}
		return nil, fmt.Errorf("expected string")
	}
}

// ValidatePayload normalizes a write body against the table's columns.
// Non-writable columns (primary key, tenant column, hidden) are stripped;
// keys that are not columns at all are errors. With requireAll set, columns
// that are non-nullable, defaultless and absent are reported missing.
// Returns the cleaned fields and a field->message error map (nil when valid).
// No statement is ever issued from here.
func ValidatePayload(t *metadata.Table, body map[string]any, requireAll bool) (map[string]any, map[string]string) {
	fields := make(map[string]any, len(body))
	errs := make(map[string]string)

	for k, v := range body {
		// Shape decorations survive read-modify-write round trips.
		if strings.HasPrefix(k, "_") {
			continue
		}
		col := t.Column(k)
		if col == nil {
			errs[k] = "unknown column"
			continue
		}
		if !t.Writable(k) {
			continue
		}
		if v == nil {
			if !col.Nullable {
				errs[k] = "must not be null"
			} else {
				fields[k] = nil
			}
			continue
		}
		cv, err := coerceBody(col, v)
		if err != nil {
			errs[k] = err.Error()
			continue
		}
		fields[k] = cv
	}

	if requireAll {
		for _, col := range t.Columns {
			if !t.Writable(col.Name) || col.Nullable || col.HasDefault {
				continue
			}
			if _, ok := fields[col.Name]; !ok {
				if _, already := errs[col.Name]; !already {
					errs[col.Name] = "is required"
				}
			}
		}
	}

	if len(errs) == 0 {
		return fields, nil
	}
	return fields, errs
}
