package source

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/malbeclabs/hybridscd/pkg/scd"
)

// Kind is the Go representation a column type decodes to.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
	KindTime
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	time.DateOnly,
}

// KindOf maps a SQL column type such as BIGINT or DECIMAL(12,2) to the kind
// its values decode to. Unknown types decode as strings.
func KindOf(typ string) Kind {
	base := strings.ToUpper(strings.TrimSpace(typ))
	if i := strings.IndexByte(base, '('); i >= 0 {
		base = strings.TrimSpace(base[:i])
	}
	switch base {
	case "BIGINT", "INTEGER", "INT", "INT4", "INT8", "SMALLINT", "TINYINT", "UBIGINT", "UINTEGER":
		return KindInt
	case "DOUBLE", "DOUBLE PRECISION", "FLOAT", "REAL", "DECIMAL", "NUMERIC":
		return KindFloat
	case "BOOLEAN", "BOOL":
		return KindBool
	case "TIMESTAMP", "TIMESTAMPTZ", "TIMESTAMP WITH TIME ZONE", "DATE", "DATETIME":
		return KindTime
	default:
		return KindString
	}
}

// Types maps column names to kinds.
type Types map[string]Kind

// TypesOf builds Types from column definitions.
func TypesOf(columns ...[]scd.Column) Types {
	types := make(Types)
	for _, cols := range columns {
		for _, col := range cols {
			types[col.Name] = KindOf(col.Type)
		}
	}
	return types
}

// ParseText decodes a text cell. An empty cell is null.
func (t Types) ParseText(column, raw string) (any, error) {
	if raw == "" {
		return nil, nil
	}
	kind, ok := t[column]
	if !ok {
		return raw, nil
	}
	v, err := parseText(kind, strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("column %s: %w", column, err)
	}
	return v, nil
}

func parseText(kind Kind, raw string) (any, error) {
	switch kind {
	case KindInt:
		return strconv.ParseInt(raw, 10, 64)
	case KindFloat:
		return strconv.ParseFloat(raw, 64)
	case KindBool:
		return strconv.ParseBool(raw)
	case KindTime:
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, raw); err == nil {
				return ts.UTC(), nil
			}
		}
		return nil, fmt.Errorf("invalid timestamp %q", raw)
	default:
		return raw, nil
	}
}

// ParseJSON converts a value decoded with json.Decoder.UseNumber. Numbers of
// untyped columns become int64 when integral and float64 otherwise.
func (t Types) ParseJSON(column string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	kind, typed := t[column]
	switch x := v.(type) {
	case json.Number:
		if !typed {
			if i, err := x.Int64(); err == nil {
				return i, nil
			}
			return x.Float64()
		}
		val, err := parseText(kind, x.String())
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", column, err)
		}
		return val, nil
	case string:
		if !typed || kind == KindString {
			return x, nil
		}
		return t.ParseText(column, x)
	case bool:
		if typed && kind != KindBool {
			return nil, fmt.Errorf("column %s: unexpected boolean", column)
		}
		return x, nil
	case map[string]any, []any:
		// Nested values are carried as their JSON text.
		b, err := json.Marshal(x)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", column, err)
		}
		return string(b), nil
	default:
		return nil, fmt.Errorf("column %s: unsupported value %T", column, v)
	}
}
