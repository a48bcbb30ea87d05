/*-------------------------------------------------------------------------
 *
 * pgEdge Dynamic Query API
 *
 * Portions copyright (c) 2025, pgEdge, Inc.
 * This software is released under The PostgreSQL License
 *
 *-------------------------------------------------------------------------
 */

package store

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func openStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "engine.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestOpen(t *testing.T) {
	s, path := openStore(t)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Errorf("Database file was not created at %s", path)
	}
	if s.Path() != path {
		t.Errorf("Path() = %s, want %s", s.Path(), path)
	}
}

func TestTables(t *testing.T) {
	s, path := openStore(t)

	first := time.UnixMilli(1700000000000)
	records := []TableRecord{
		{Name: "people", PhysicalName: "users", Schema: "public", Alias: "people", RegisteredAt: first},
		{Name: "orders", PhysicalName: "orders", Schema: "sales", RegisteredAt: first.Add(time.Second)},
	}
	for _, rec := range records {
		if err := s.SaveTable(rec); err != nil {
			t.Fatalf("SaveTable failed: %v", err)
		}
	}

	got, err := s.ListTables()
	if err != nil {
		t.Fatalf("ListTables failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d tables, want 2", len(got))
	}
	for i := range records {
		if got[i].Name != records[i].Name || got[i].PhysicalName != records[i].PhysicalName ||
			got[i].Schema != records[i].Schema || got[i].Alias != records[i].Alias ||
			!got[i].RegisteredAt.Equal(records[i].RegisteredAt) {
			t.Errorf("record %d = %+v, want %+v", i, got[i], records[i])
		}
	}

	t.Run("save replaces", func(t *testing.T) {
		rec := records[1]
		rec.Schema = "archive"
		if err := s.SaveTable(rec); err != nil {
			t.Fatalf("SaveTable failed: %v", err)
		}
		got, _ := s.ListTables()
		if len(got) != 2 || got[1].Schema != "archive" {
			t.Errorf("tables after replace = %+v", got)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := s.DeleteTable("people"); err != nil {
			t.Fatalf("DeleteTable failed: %v", err)
		}
		if err := s.DeleteTable("missing"); err != nil {
			t.Errorf("deleting a missing table failed: %v", err)
		}
		got, _ := s.ListTables()
		if len(got) != 1 || got[0].Name != "orders" {
			t.Errorf("tables after delete = %+v", got)
		}
	})

	t.Run("survives reopen", func(t *testing.T) {
		s.Close()
		reopened, err := Open(path)
		if err != nil {
			t.Fatalf("reopen failed: %v", err)
		}
		defer reopened.Close()
		got, err := reopened.ListTables()
		if err != nil || len(got) != 1 {
			t.Errorf("ListTables after reopen = %+v, %v", got, err)
		}
	})
}

func TestExcludedColumns(t *testing.T) {
	s, _ := openStore(t)

	if err := s.SaveExcludedColumns("users", []string{"ssn", "email", "ssn"}); err != nil {
		t.Fatalf("SaveExcludedColumns failed: %v", err)
	}
	if err := s.SaveExcludedColumns("orders", []string{"notes"}); err != nil {
		t.Fatalf("SaveExcludedColumns failed: %v", err)
	}

	got, err := s.ExcludedColumns()
	if err != nil {
		t.Fatalf("ExcludedColumns failed: %v", err)
	}
	want := map[string][]string{
		"users":  {"email", "ssn"},
		"orders": {"notes"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ExcludedColumns() = %v, want %v", got, want)
	}

	if err := s.SaveExcludedColumns("users", nil); err != nil {
		t.Fatalf("SaveExcludedColumns failed: %v", err)
	}
	got, _ = s.ExcludedColumns()
	if _, ok := got["users"]; ok {
		t.Errorf("clearing users left %v", got["users"])
	}
}

func TestGlobalExcludedColumns(t *testing.T) {
	s, _ := openStore(t)

	_, ok, err := s.GlobalExcludedColumns()
	if err != nil {
		t.Fatalf("GlobalExcludedColumns failed: %v", err)
	}
	if ok {
		t.Error("fresh store reports saved global exclusions")
	}

	if err := s.SaveGlobalExcludedColumns([]string{"token", "password"}); err != nil {
		t.Fatalf("SaveGlobalExcludedColumns failed: %v", err)
	}
	cols, ok, err := s.GlobalExcludedColumns()
	if err != nil || !ok {
		t.Fatalf("GlobalExcludedColumns = %v, %v, %v", cols, ok, err)
	}
	if !reflect.DeepEqual(cols, []string{"password", "token"}) {
		t.Errorf("columns = %v", cols)
	}

	if err := s.SaveGlobalExcludedColumns(nil); err != nil {
		t.Fatalf("SaveGlobalExcludedColumns failed: %v", err)
	}
	cols, ok, _ = s.GlobalExcludedColumns()
	if !ok || len(cols) != 0 {
		t.Errorf("empty save = %v, %v; want saved empty list", cols, ok)
	}
}
