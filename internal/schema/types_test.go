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
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func ordersColumns() []ColumnDescriptor {
	return []ColumnDescriptor{
		{Name: "id", Kind: KindIntegerBig, TypeOID: pgtype.Int8OID, IsPrimaryKey: true},
		{Name: "created_at", Kind: KindTimestamp, TypeOID: pgtype.TimestamptzOID, Nullable: true},
		{Name: "customerName", Kind: KindText, TypeOID: pgtype.TextOID, Nullable: true},
	}
}

func TestColumnLookupIgnoresCaseAndSeparators(t *testing.T) {
	table := NewTableDescriptor("Orders", "public", ordersColumns())

	tests := []struct {
		lookup string
		want   string
	}{
		{"created_at", "created_at"},
		{"CREATED_AT", "created_at"},
		{"createdAt", "created_at"},
		{"CreatedAt", "created_at"},
		{"customerName", "customerName"},
		{"customer_name", "customerName"},
		{"CUSTOMERNAME", "customerName"},
		{" id ", "id"},
	}

	for _, tt := range tests {
		t.Run(tt.lookup, func(t *testing.T) {
			col, ok := table.Column(tt.lookup)
			if !ok {
				t.Fatalf("Column(%q) not found", tt.lookup)
			}
			if col.Name != tt.want {
				t.Errorf("Column(%q) = %s, want %s", tt.lookup, col.Name, tt.want)
			}
		})
	}

	if _, ok := table.Column("missing"); ok {
		t.Error("expected lookup of an unknown column to fail")
	}
}

func TestExactSpellingWinsOverDerived(t *testing.T) {
	// The snake form of userId collides with the physical user_id column
	table := NewTableDescriptor("t", "public", []ColumnDescriptor{
		{Name: "userId"},
		{Name: "user_id"},
	})

	col, ok := table.Column("user_id")
	if !ok || col.Name != "user_id" {
		t.Fatalf("Column(user_id) = %v, want user_id", col)
	}
	col, ok = table.Column("userId")
	if !ok || col.Name != "userId" {
		t.Fatalf("Column(userId) = %v, want userId", col)
	}
}

func TestTableDescriptorAccessors(t *testing.T) {
	base := NewTableDescriptor("Orders", "sales", ordersColumns())
	if base.Name() != "orders" {
		t.Errorf("Name() = %s, want orders", base.Name())
	}
	if base.ColumnCount() != 3 {
		t.Errorf("ColumnCount() = %d, want 3", base.ColumnCount())
	}
	if pks := base.PrimaryKeys(); len(pks) != 1 || pks[0] != "id" {
		t.Errorf("PrimaryKeys() = %v, want [id]", pks)
	}
	if !base.IsPrimaryKey("id") || base.IsPrimaryKey("created_at") {
		t.Error("IsPrimaryKey returned the wrong membership")
	}
	if got := base.QualifiedName(); got != `"sales"."Orders"` {
		t.Errorf("QualifiedName() = %s", got)
	}

	at := time.UnixMilli(1700000000000)
	aliased := base.WithRegistration("Purchases", at)
	if aliased.Name() != "purchases" || aliased.Alias() != "Purchases" {
		t.Errorf("aliased name = %s alias = %s", aliased.Name(), aliased.Alias())
	}
	if aliased.RegisteredAt() != at.UnixMilli() {
		t.Errorf("RegisteredAt() = %d", aliased.RegisteredAt())
	}
	if base.RegisteredAt() != 0 || base.Alias() != "" {
		t.Error("WithRegistration modified the original descriptor")
	}

	// Columns returns a copy of the slice
	cols := base.Columns()
	cols[0] = nil
	if base.Columns()[0] == nil {
		t.Error("Columns() exposed the internal slice")
	}
}

func TestValueKindJSON(t *testing.T) {
	data, err := json.Marshal(ColumnDescriptor{Name: "n", Kind: KindIntegerBig})
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["kind"] != "long" {
		t.Errorf("kind = %v, want long", decoded["kind"])
	}
}

func TestCaseConversion(t *testing.T) {
	tests := []struct {
		in, snake, camel string
	}{
		{"createdAt", "created_at", "createdAt"},
		{"created_at", "created_at", "createdAt"},
		{"HTTPStatus", "httpstatus", "HTTPStatus"},
		{"order2Total", "order2_total", "order2Total"},
		{"a__b", "a__b", "aB"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := SnakeCase(tt.in); got != tt.snake {
				t.Errorf("SnakeCase(%q) = %q, want %q", tt.in, got, tt.snake)
			}
			if got := CamelCase(tt.in); got != tt.camel {
				t.Errorf("CamelCase(%q) = %q, want %q", tt.in, got, tt.camel)
			}
		})
	}
}

// snakeName generates lower-case snake_case identifiers of two or three words
func snakeName() gopter.Gen {
	word := gen.RegexMatch(`[a-z]{1,8}`)
	return gopter.CombineGens(word, word, gen.IntRange(0, 1), word).Map(func(v []interface{}) string {
		name := v[0].(string) + "_" + v[1].(string)
		if v[2].(int) == 1 {
			name += "_" + v[3].(string)
		}
		return name
	})
}

func TestColumnLookupProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("snake, upper and camel spellings resolve to the same column", prop.ForAll(
		func(name string) bool {
			table := NewTableDescriptor("t", "public", []ColumnDescriptor{{Name: name}})
			for _, spelling := range []string{name, FoldName(name), CamelCase(name), SnakeCase(CamelCase(name))} {
				col, ok := table.Column(spelling)
				if !ok || col.Name != name {
					return false
				}
			}
			upper, ok := table.Column(toUpper(name))
			return ok && upper.Name == name
		},
		snakeName(),
	))

	properties.TestingRun(t)
}

func toUpper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}
