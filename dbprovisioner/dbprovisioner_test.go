package dbprovisioner

import (
	"path/filepath"
	"testing"
)

func TestSQLiteGeneratesAndPersistsCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.db")
	s, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}

	info, err := s.GetInfo("myapp")
	if err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	if info.User == "" || info.Pass == "" || info.Name == "" {
		t.Fatalf("expected populated credentials, got %+v", info)
	}

	again, err := s.GetInfo("myapp")
	if err != nil {
		t.Fatalf("GetInfo (second call): %v", err)
	}
	if again != info {
		t.Fatalf("expected stable credentials across calls, got %+v then %+v", info, again)
	}
}

func TestSQLiteDistinctAppsGetDistinctCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.db")
	s, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}

	a, err := s.GetInfo("app-a")
	if err != nil {
		t.Fatalf("GetInfo a: %v", err)
	}
	b, err := s.GetInfo("app-b")
	if err != nil {
		t.Fatalf("GetInfo b: %v", err)
	}
	if a.Pass == b.Pass {
		t.Fatalf("expected distinct credentials for distinct apps")
	}
}
