/*-------------------------------------------------------------------------
 *
 * pgEdge Dynamic Query API
 *
 * Copyright (c) 2025, pgEdge, Inc.
 * This software is released under The PostgreSQL License
 *
 *-------------------------------------------------------------------------
 */

package schema

import (
	"database/sql/driver"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04:05.999999"
)

// Timestamp layouts accepted from callers, most specific first
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	dateLayout,
}

// CoerceValue converts a caller-supplied value (as decoded from JSON with
// UseNumber) into the Go value bound as the statement parameter for a
// column of the given kind. A nil value is SQL NULL for every kind.
//
// Decimal, date and time values are validated and then bound as text so
// the server parses them with full precision.
func CoerceValue(kind ValueKind, v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch kind {
	case KindIntegerSmall:
		n, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		if n < math.MinInt32 || n > math.MaxInt32 {
			return nil, fmt.Errorf("value %d out of range for integer", n)
		}
		return n, nil

	case KindIntegerBig:
		return toInt64(v)

	case KindBoolean:
		return toBool(v)

	case KindDecimal:
		s, err := numericText(v)
		if err != nil {
			return nil, err
		}
		var n pgtype.Numeric
		if err := n.Scan(s); err != nil {
			return nil, fmt.Errorf("invalid decimal %q", s)
		}
		return s, nil

	case KindDoubleFloat:
		return toFloat64(v)

	case KindSingleFloat:
		f, err := toFloat64(v)
		if err != nil {
			return nil, err
		}
		return float32(f), nil

	case KindTimestamp:
		return toTimestamp(v)

	case KindDate:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected a date string, got %T", v)
		}
		s = strings.TrimSpace(s)
		if len(s) > len(dateLayout) {
			if ts, err := toTimestamp(s); err == nil {
				return ts.Format(dateLayout), nil
			}
		}
		if _, err := time.Parse(dateLayout, s); err != nil {
			return nil, fmt.Errorf("invalid date %q (expected YYYY-MM-DD)", s)
		}
		return s, nil

	case KindTime:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected a time string, got %T", v)
		}
		s = strings.TrimSpace(s)
		if !validTime(s) {
			return nil, fmt.Errorf("invalid time %q (expected HH:MM[:SS[.ffffff]])", s)
		}
		return s, nil

	case KindBinary:
		return toBytes(v)

	default:
		return toText(v)
	}
}

// NormalizeValue converts a value read from the database into the
// canonical Go representation for its column kind:
// integers become int64, decimals a decimal string, dates YYYY-MM-DD,
// times HH:MM:SS[.ffffff], timestamps time.Time, binary []byte and
// everything text-like a string.
func NormalizeValue(kind ValueKind, v any) any {
	if v == nil {
		return nil
	}

	switch kind {
	case KindIntegerSmall, KindIntegerBig:
		switch n := v.(type) {
		case int16:
			return int64(n)
		case int32:
			return int64(n)
		case int64:
			return n
		case uint32:
			return int64(n)
		case int:
			return int64(n)
		}

	case KindBoolean:
		if b, ok := v.(bool); ok {
			return b
		}

	case KindDecimal:
		switch n := v.(type) {
		case pgtype.Numeric:
			if !n.Valid {
				return nil
			}
			if val, err := n.Value(); err == nil {
				if s, ok := val.(string); ok {
					return s
				}
			}
		case string:
			return n
		case float64:
			return strconv.FormatFloat(n, 'f', -1, 64)
		}

	case KindDoubleFloat:
		switch f := v.(type) {
		case float64:
			return f
		case float32:
			return float64(f)
		}

	case KindSingleFloat:
		switch f := v.(type) {
		case float32:
			return f
		case float64:
			return float32(f)
		}

	case KindDate:
		switch d := v.(type) {
		case time.Time:
			return d.Format(dateLayout)
		case pgtype.Date:
			return infinityText(d.Valid, d.InfinityModifier, d.Time, dateLayout)
		}

	case KindTime:
		switch t := v.(type) {
		case pgtype.Time:
			if !t.Valid {
				return nil
			}
			return formatMicros(t.Microseconds)
		case time.Duration:
			return formatMicros(t.Microseconds())
		}

	case KindTimestamp:
		switch ts := v.(type) {
		case time.Time:
			return ts
		case pgtype.Timestamp:
			if ts.InfinityModifier == pgtype.Finite {
				return ts.Time
			}
			return infinityText(ts.Valid, ts.InfinityModifier, ts.Time, time.RFC3339Nano)
		case pgtype.Timestamptz:
			if ts.InfinityModifier == pgtype.Finite {
				return ts.Time
			}
			return infinityText(ts.Valid, ts.InfinityModifier, ts.Time, time.RFC3339Nano)
		}

	case KindBinary:
		if b, ok := v.([]byte); ok {
			return b
		}
	}

	return textOf(v)
}

// textOf renders any driver value as a string
func textOf(v any) any {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case [16]byte:
		return uuid.UUID(t).String()
	case time.Time:
		return t.Format(time.RFC3339Nano)
	case map[string]any, []any:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	case driver.Valuer:
		if val, err := t.Value(); err == nil {
			if val == nil {
				return nil
			}
			if s, ok := val.(string); ok {
				return s
			}
			return fmt.Sprint(val)
		}
	case fmt.Stringer:
		return t.String()
	}
	return fmt.Sprint(v)
}

func infinityText(valid bool, mod pgtype.InfinityModifier, t time.Time, layout string) any {
	if !valid {
		return nil
	}
	switch mod {
	case pgtype.Infinity:
		return "infinity"
	case pgtype.NegativeInfinity:
		return "-infinity"
	}
	return t.Format(layout)
}

// formatMicros renders microseconds since midnight as HH:MM:SS[.ffffff]
func formatMicros(us int64) string {
	return time.Unix(0, 0).UTC().Add(time.Duration(us) * time.Microsecond).Format(timeLayout)
}

func validTime(s string) bool {
	for _, layout := range []string{"15:04", "15:04:05", "15:04:05.999999", "15:04:05Z07:00", "15:04:05.999999Z07:00"} {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	// 24:00:00 is a valid PostgreSQL time
	return s == "24:00" || s == "24:00:00"
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err == nil {
			return i, nil
		}
		if errors.Is(err, strconv.ErrRange) {
			return 0, fmt.Errorf("integer %s is out of range", n)
		}
		// Exponent forms such as 1e3
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("expected an integer, got %s", n)
		}
		return floatToInt64(f, n.String())
	case float64:
		return floatToInt64(n, strconv.FormatFloat(n, 'g', -1, 64))
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("expected an integer, got %q", n)
		}
		return i, nil
	}
	return 0, fmt.Errorf("expected an integer, got %T", v)
}

// floatToInt64 accepts only integral values in [-2^63, 2^63)
func floatToInt64(f float64, text string) (int64, error) {
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("expected an integer, got %s", text)
	}
	if f < math.MinInt64 || f >= -math.MinInt64 {
		return 0, fmt.Errorf("integer %s is out of range", text)
	}
	return int64(f), nil
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case json.Number:
		return n.Float64()
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("expected a number, got %q", n)
		}
		return f, nil
	}
	return 0, fmt.Errorf("expected a number, got %T", v)
}

func toBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "t", "yes", "y", "1", "on":
			return true, nil
		case "false", "f", "no", "n", "0", "off":
			return false, nil
		}
		return false, fmt.Errorf("expected a boolean, got %q", b)
	case json.Number:
		switch b.String() {
		case "1":
			return true, nil
		case "0":
			return false, nil
		}
		return false, fmt.Errorf("expected a boolean, got %s", b)
	}
	return false, fmt.Errorf("expected a boolean, got %T", v)
}

func numericText(v any) (string, error) {
	switch n := v.(type) {
	case json.Number:
		return n.String(), nil
	case string:
		return strings.TrimSpace(n), nil
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(n), nil
	case int64:
		return strconv.FormatInt(n, 10), nil
	}
	return "", fmt.Errorf("expected a decimal, got %T", v)
}

func toTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case json.Number:
		// Epoch milliseconds
		ms, err := t.Int64()
		if err != nil {
			return time.Time{}, fmt.Errorf("expected epoch milliseconds, got %s", t)
		}
		return time.UnixMilli(ms).UTC(), nil
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, nil
			}
		}
		return time.Time{}, fmt.Errorf("invalid timestamp %q (expected RFC 3339)", t)
	}
	return time.Time{}, fmt.Errorf("expected a timestamp, got %T", v)
}

func toBytes(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		if strings.HasPrefix(b, `\x`) {
			data, err := hex.DecodeString(b[2:])
			if err != nil {
				return nil, fmt.Errorf("invalid hex bytea value")
			}
			return data, nil
		}
		data, err := base64.StdEncoding.DecodeString(b)
		if err != nil {
			return nil, fmt.Errorf("binary values must be base64 or \\x-prefixed hex")
		}
		return data, nil
	}
	return nil, fmt.Errorf("expected binary data, got %T", v)
}

func toText(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case bool:
		return strconv.FormatBool(t), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case map[string]any, []any:
		// json and jsonb columns take the document as text
		data, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("failed to encode value: %w", err)
		}
		return string(data), nil
	}
	return fmt.Sprint(v), nil
}
