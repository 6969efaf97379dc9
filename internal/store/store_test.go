package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type testDoc struct {
	Counter int      `json:"counter"`
	Names   []string `json:"names"`
}

func TestSaveAndLoad(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(filepath.Join(dir, "doc.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	doc := testDoc{Counter: 7, Names: []string{"a", "b"}}
	if err := s.Save(doc); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var loaded testDoc
	if err := s.Load(&loaded); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Counter != 7 || len(loaded.Names) != 2 {
		t.Errorf("loaded = %+v, want %+v", loaded, doc)
	}
}

func TestLoadMissingReturnsNotExist(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(filepath.Join(dir, "doc.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	var loaded testDoc
	err = s.Load(&loaded)
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load on missing file = %v, want os.ErrNotExist", err)
	}
}

func TestSaveOverwritesAndKeepsBackup(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.Save(testDoc{Counter: 1}); err != nil {
		t.Fatalf("Save 1: %v", err)
	}
	if err := s.Save(testDoc{Counter: 2}); err != nil {
		t.Fatalf("Save 2: %v", err)
	}

	var loaded testDoc
	if err := s.Load(&loaded); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Counter != 2 {
		t.Errorf("Counter = %v, want 2 (latest save)", loaded.Counter)
	}

	bak := path + ".bak"
	if _, err := os.Stat(bak); err != nil {
		t.Errorf("expected .bak file to exist after second save: %v", err)
	}
	var bakDoc testDoc
	bakData, err := os.ReadFile(bak)
	if err != nil {
		t.Fatalf("read .bak: %v", err)
	}
	if err := json.Unmarshal(bakData, &bakDoc); err != nil {
		t.Fatalf("unmarshal .bak: %v", err)
	}
	if bakDoc.Counter != 1 {
		t.Errorf(".bak Counter = %v, want 1 (previous save)", bakDoc.Counter)
	}
}

func TestSaveLeavesNoTempFileBehind(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.Save(testDoc{Counter: 1}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		tmp, _ := filepath.Match("doc.json.tmp-*", e.Name())
		if tmp || (filepath.Ext(e.Name()) == ".json" && e.Name() != "doc.json") {
			t.Errorf("leftover temp file: %s", e.Name())
		}
	}
}
