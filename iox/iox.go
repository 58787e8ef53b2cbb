// Package iox provides I/O helpers for resource cleanup and atomic
// filesystem operations.
package iox

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// DiscardClose closes c and discards the error.
// Use in defer statements where close errors are unactionable:
//
//	defer iox.DiscardClose(f)
func DiscardClose(c io.Closer) { _ = c.Close() }

// CloseFunc returns a cleanup function that closes c.
// Designed for t.Cleanup and b.Cleanup registration:
//
//	t.Cleanup(iox.CloseFunc(client))
func CloseFunc(c io.Closer) func() {
	return func() { _ = c.Close() }
}

// WriteFileAtomic writes data to path by writing a temp file in the same
// directory and renaming into place. Same-directory placement keeps the
// rename on one filesystem, so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		DiscardClose(tmp)
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename %s -> %s: %w", tmpName, path, err)
	}
	return nil
}

// MoveFile moves src into dstDir, resolving filename collisions by
// appending a _<unix-nanos> suffix before the extension.
func MoveFile(src, dstDir string) (string, error) {
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dstDir, err)
	}

	base := filepath.Base(src)
	dst := filepath.Join(dstDir, base)
	if _, err := os.Stat(dst); err == nil {
		ext := filepath.Ext(base)
		stem := base[:len(base)-len(ext)]
		dst = filepath.Join(dstDir, fmt.Sprintf("%s_%d%s", stem, time.Now().UnixNano(), ext))
	}

	if err := os.Rename(src, dst); err != nil {
		return "", fmt.Errorf("move %s -> %s: %w", src, dst, err)
	}
	return dst, nil
}
