package bundle

import (
	"archive/tar"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
)

type tarEntry struct {
	name string
	mode int64
	dir  bool
	body string
}

func buildBundle(t *testing.T, entries []tarEntry) string {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: e.mode}
		if e.dir {
			hdr.Typeflag = tar.TypeDir
		} else {
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(e.body))
		}
		if hdr.Mode == 0 {
			hdr.Mode = 0o644
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if !e.dir {
			if _, err := tw.Write([]byte(e.body)); err != nil {
				t.Fatalf("write body: %v", err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "bundle.tar.gz")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	return path
}

func TestExtractHappyPath(t *testing.T) {
	bundlePath := buildBundle(t, []tarEntry{
		{name: "config/", dir: true},
		{name: "config/keter.yaml", body: "host: a.example\n"},
		{name: "config/app", mode: 0o755, body: "#!/bin/sh\necho hi\n"},
	})

	workDir := filepath.Join(t.TempDir(), "work")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		t.Fatal(err)
	}

	if err := Extract(bundlePath, workDir, nil); err != nil {
		t.Fatalf("Extract: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(workDir, "config", "keter.yaml"))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if string(data) != "host: a.example\n" {
		t.Fatalf("unexpected config contents: %q", data)
	}

	info, err := os.Stat(filepath.Join(workDir, "config", "app"))
	if err != nil {
		t.Fatalf("stat app: %v", err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Fatalf("unexpected mode: %v", info.Mode().Perm())
	}
}

func TestExtractRejectsPathTraversal(t *testing.T) {
	bundlePath := buildBundle(t, []tarEntry{
		{name: "../etc/passwd", body: "root:x:0:0\n"},
	})

	workDir := filepath.Join(t.TempDir(), "work")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		t.Fatal(err)
	}

	err := Extract(bundlePath, workDir, nil)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !errors.Is(err, ErrBundleUnsafe) {
		t.Fatalf("expected ErrBundleUnsafe, got %v", err)
	}
	if _, statErr := os.Stat(workDir); !os.IsNotExist(statErr) {
		t.Fatalf("expected workDir to be removed, stat err: %v", statErr)
	}
}

func TestExtractRejectsAbsolutePath(t *testing.T) {
	bundlePath := buildBundle(t, []tarEntry{
		{name: "/etc/passwd", body: "root:x:0:0\n"},
	})

	workDir := filepath.Join(t.TempDir(), "work")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		t.Fatal(err)
	}

	if err := Extract(bundlePath, workDir, nil); err == nil {
		t.Fatal("expected error for absolute path entry")
	}
}

func TestExtractIgnoresSymlinks(t *testing.T) {
	bundlePath := buildBundle(t, nil)
	// Append a symlink entry manually since our helper doesn't support it.
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	tw.WriteHeader(&tar.Header{Name: "config/", Typeflag: tar.TypeDir, Mode: 0o755})
	tw.WriteHeader(&tar.Header{Name: "config/link", Typeflag: tar.TypeSymlink, Linkname: "/etc/passwd", Mode: 0o777})
	tw.WriteHeader(&tar.Header{Name: "config/keter.yaml", Typeflag: tar.TypeReg, Mode: 0o644, Size: 5})
	tw.Write([]byte("host:"))
	tw.Close()
	gz.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "bundle2.tar.gz")
	os.WriteFile(path, buf.Bytes(), 0o644)
	_ = bundlePath

	workDir := filepath.Join(t.TempDir(), "work")
	os.MkdirAll(workDir, 0o755)

	if err := Extract(path, workDir, nil); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(workDir, "config", "link")); !os.IsNotExist(err) {
		t.Fatalf("expected symlink to be skipped, stat err: %v", err)
	}
}
