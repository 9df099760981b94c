package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestVersionFromFile(t *testing.T) {
	tests := []struct {
		name    string
		want    int64
		wantErr bool
	}{
		{"001_provenance.up.sql", 1, false},
		{"012_proof_index.up.sql", 12, false},
		{"provenance.sql", 0, true},
		{"abc_provenance.up.sql", 0, true},
	}
	for _, tt := range tests {
		got, err := versionFromFile(tt.name)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("versionFromFile(%q) = %d, %v", tt.name, got, err)
		}
	}
}

func TestUpMigrations_ordersByVersionAndSkipsDown(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"010_late.up.sql",
		"002_second.up.sql",
		"002_second.down.sql",
		"001_first.up.sql",
		"README.md",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	got, err := upMigrations(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"001_first.up.sql", "002_second.up.sql", "010_late.up.sql"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("upMigrations = %v, want %v", got, want)
	}
}
