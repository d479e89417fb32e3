// Package bundle decompresses and unpacks an app bundle into a working
// directory, enforcing path containment and file ownership.
package bundle

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/klauspost/compress/gzip"
)

// ErrBundleIO indicates the bundle archive could not be read.
var ErrBundleIO = errors.New("bundle: io error")

// ErrBundleUnsafe indicates a tar entry failed the path-containment filter.
var ErrBundleUnsafe = errors.New("bundle: unsafe entry")

// Owner is the UID/GID every extracted file and directory is chowned to.
// A nil Owner skips chowning entirely (used in tests and non-root hosts).
type Owner struct {
	UID int
	GID int
}

// Extract decompresses the gzip+tar stream at bundlePath and writes its
// regular files and directories beneath workDir. Any entry whose normalized
// path would escape workDir, or that is absolute, fails the whole extraction
// with ErrBundleUnsafe. Symlinks, hardlinks, devices, and other non-regular
// entries are silently skipped. On any error the partially-populated workDir
// is removed before the error is returned; extraction is not resumable.
func Extract(bundlePath, workDir string, owner *Owner) error {
	if err := extract(bundlePath, workDir, owner); err != nil {
		os.RemoveAll(workDir)
		return err
	}
	return nil
}

func extract(bundlePath, workDir string, owner *Owner) error {
	f, err := os.Open(bundlePath)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrBundleIO, bundlePath, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("%w: gunzip %s: %v", ErrBundleIO, bundlePath, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	created := make(map[string]bool)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: tar: %v", ErrBundleIO, err)
		}

		target, ok := safeJoin(workDir, hdr.Name)
		if !ok {
			return fmt.Errorf("%w: entry %q escapes bundle root", ErrBundleUnsafe, hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := ensureDir(target, workDir, owner, created); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := ensureDir(filepath.Dir(target), workDir, owner, created); err != nil {
				return err
			}
			if err := writeFile(target, hdr, tr, owner); err != nil {
				return err
			}
		default:
			// symlinks, hardlinks, devices, fifos, etc: ignored.
		}
	}
}

// safeJoin resolves name against root and reports whether the result stays
// within root. name must not be absolute.
func safeJoin(root, name string) (string, bool) {
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", false
	}
	joined := filepath.Join(root, name)
	cleanedRoot := filepath.Clean(root)
	if joined != cleanedRoot && !strings.HasPrefix(joined, cleanedRoot+string(os.PathSeparator)) {
		return "", false
	}
	return joined, true
}

// ensureDir creates dir and every missing ancestor up to root, chowning each
// newly-created directory to owner before any descendant is populated.
func ensureDir(dir, root string, owner *Owner, created map[string]bool) error {
	if created[dir] {
		return nil
	}
	if dir == root || dir == filepath.Dir(root) {
		created[dir] = true
		return nil
	}
	if _, err := os.Stat(dir); err == nil {
		created[dir] = true
		return nil
	}
	if err := ensureDir(filepath.Dir(dir), root, owner, created); err != nil {
		return err
	}
	if err := os.Mkdir(dir, 0o755); err != nil && !os.IsExist(err) {
		return fmt.Errorf("%w: mkdir %s: %v", ErrBundleIO, dir, err)
	}
	if owner != nil {
		if err := os.Chown(dir, owner.UID, owner.GID); err != nil {
			return fmt.Errorf("%w: chown %s: %v", ErrBundleIO, dir, err)
		}
	}
	created[dir] = true
	return nil
}

// writeFile creates target with the tar entry's permission bits using a
// close-on-exec descriptor, chowns it to owner while still exclusively held
// (before any content is written), then copies the entry's content.
func writeFile(target string, hdr *tar.Header, r io.Reader, owner *Owner) error {
	fd, err := syscall.Open(
		target,
		syscall.O_WRONLY|syscall.O_CREAT|syscall.O_TRUNC|syscall.O_CLOEXEC,
		uint32(hdr.FileInfo().Mode().Perm()),
	)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrBundleIO, target, err)
	}

	if owner != nil {
		if err := syscall.Fchown(fd, owner.UID, owner.GID); err != nil {
			syscall.Close(fd)
			return fmt.Errorf("%w: fchown %s: %v", ErrBundleIO, target, err)
		}
	}

	file := os.NewFile(uintptr(fd), target)
	defer file.Close()

	if _, err := io.Copy(file, r); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrBundleIO, target, err)
	}
	return nil
}
