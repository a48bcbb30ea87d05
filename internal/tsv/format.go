/*-------------------------------------------------------------------------
 *
 * pgEdge Dynamic Query API
 *
 * Portions copyright (c) 2025, pgEdge, Inc.
 * This software is released under The PostgreSQL License
 *
 *-------------------------------------------------------------------------
 */

// Package tsv renders query rows as tab-separated values.
package tsv

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"pgedge-dynamic-api/internal/query"
)

// ContentType is the media type of the rendered output
const ContentType = "text/tab-separated-values; charset=utf-8"

var escaper = strings.NewReplacer("\\", "\\\\", "\t", "\\t", "\n", "\\n", "\r", "\\r")

// FormatValue converts a row value to a TSV-safe string.
// NULL is the empty string; bytea uses the PostgreSQL hex form.
func FormatValue(v any) string {
	if v == nil {
		return ""
	}

	var s string
	switch val := v.(type) {
	case string:
		s = val
	case []byte:
		s = `\x` + hex.EncodeToString(val)
	case time.Time:
		s = val.Format(time.RFC3339Nano)
	case bool:
		s = strconv.FormatBool(val)
	case int64:
		s = strconv.FormatInt(val, 10)
	case int32:
		s = strconv.FormatInt(int64(val), 10)
	case int16:
		s = strconv.FormatInt(int64(val), 10)
	case int:
		s = strconv.Itoa(val)
	case float64:
		s = strconv.FormatFloat(val, 'g', -1, 64)
	case float32:
		s = strconv.FormatFloat(float64(val), 'g', -1, 32)
	case json.Number:
		s = val.String()
	case []any, map[string]any:
		// Complex types (arrays, JSON objects) - serialize to JSON
		jsonBytes, err := json.Marshal(val)
		if err != nil {
			s = fmt.Sprintf("%v", val)
		} else {
			s = string(jsonBytes)
		}
	default:
		s = fmt.Sprintf("%v", val)
	}

	// Backslash first so escapes stay unambiguous
	return escaper.Replace(s)
}

// WriteRows writes a header line of column names followed by one line per
// row. The header comes from the first row's keys, which every row of a
// result shares. Nothing is written for an empty result.
func WriteRows(w io.Writer, rows []query.Row) error {
	if len(rows) == 0 {
		return nil
	}

	bw := bufio.NewWriter(w)
	columns := rows[0].Keys()
	writeLine(bw, columns)

	values := make([]string, len(columns))
	for _, row := range rows {
		for i, col := range columns {
			v, _ := row.Get(col)
			values[i] = FormatValue(v)
		}
		writeLine(bw, values)
	}
	return bw.Flush()
}

func writeLine(bw *bufio.Writer, fields []string) {
	for i, f := range fields {
		if i > 0 {
			bw.WriteByte('\t')
		}
		bw.WriteString(f)
	}
	bw.WriteByte('\n')
}
