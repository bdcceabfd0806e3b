package store

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpen(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.sqlite")

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("expected database file to be created")
	}

	var mode string
	if err := s.conn.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("failed to query journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("expected journal_mode=wal, got %q", mode)
	}

	var name string
	if err := s.conn.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name='anchoring_state'",
	).Scan(&name); err != nil {
		t.Errorf("anchoring_state table not found: %v", err)
	}
}

type point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func TestGetPutJSON_RoundTrip(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	found, err := s.GetJSON("inst-a", "point", &point{})
	if err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if found {
		t.Fatal("expected not found before any Put")
	}

	if err := s.PutJSON("inst-a", "point", point{X: 1, Y: 2}); err != nil {
		t.Fatalf("PutJSON() error = %v", err)
	}

	var got point
	found, err = s.GetJSON("inst-a", "point", &got)
	if err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if !found {
		t.Fatal("expected found after Put")
	}
	if got.X != 1 || got.Y != 2 {
		t.Errorf("GetJSON() = %+v, want {1 2}", got)
	}
}

func TestGetPutJSON_InstanceIsolation(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	if err := s.PutJSON("inst-a", "key", point{X: 1}); err != nil {
		t.Fatalf("PutJSON() error = %v", err)
	}

	var got point
	found, err := s.GetJSON("inst-b", "key", &got)
	if err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if found {
		t.Fatal("expected instance-b to not see instance-a's value")
	}
}

func TestPutJSON_Overwrite(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	if err := s.PutJSON("inst-a", "key", point{X: 1, Y: 1}); err != nil {
		t.Fatalf("PutJSON() error = %v", err)
	}
	if err := s.PutJSON("inst-a", "key", point{X: 2, Y: 2}); err != nil {
		t.Fatalf("PutJSON() overwrite error = %v", err)
	}

	var got point
	if _, err := s.GetJSON("inst-a", "key", &got); err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if got.X != 2 || got.Y != 2 {
		t.Errorf("GetJSON() after overwrite = %+v, want {2 2}", got)
	}
}

func TestDeleteKey(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	if err := s.PutJSON("inst-a", "key", point{X: 1}); err != nil {
		t.Fatalf("PutJSON() error = %v", err)
	}
	if err := s.DeleteKey("inst-a", "key"); err != nil {
		t.Fatalf("DeleteKey() error = %v", err)
	}

	found, err := s.GetJSON("inst-a", "key", &point{})
	if err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if found {
		t.Fatal("expected key to be gone after delete")
	}
}
