// Package fsutil holds the file moves and atomic writes shared by the
// processor and the recovery manager.
package fsutil

import (
	"io"
	"os"
	"path/filepath"
	"strings"
)

// MoveFile places src under destRoot, mirroring its directory relative to
// inputRoot when src lives inside it. With remove unset the source is
// copied and left in place. The destination path is returned.
func MoveFile(src, destRoot, inputRoot string, remove bool) (string, error) {
	dir := destRoot
	if inputRoot != "" {
		if rel, err := filepath.Rel(inputRoot, src); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			if sub := filepath.Dir(rel); sub != "." {
				dir = filepath.Join(destRoot, sub)
			}
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	dest := filepath.Clean(filepath.Join(dir, filepath.Base(src)))
	if filepath.Clean(src) == dest {
		return dest, nil
	}
	if remove {
		return dest, Rename(src, dest)
	}
	return dest, CopyFile(src, dest)
}

// Rename moves a file, copying when the rename crosses devices. When the
// source cannot be removed the copy is deleted, so the file is never left
// in both places.
func Rename(src, dest string) error {
	if err := renameFile(src, dest); err == nil {
		return nil
	}
	if err := CopyFile(src, dest); err != nil {
		os.Remove(dest)
		return err
	}
	if err := removeFile(src); err != nil {
		os.Remove(dest)
		return err
	}
	return nil
}

// replaced in tests to simulate cross-device moves and locked sources
var (
	renameFile = os.Rename
	removeFile = os.Remove
)

// CopyFile copies contents, permissions and modification time
func CopyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dest, info.ModTime(), info.ModTime())
}

// WriteFileAtomic writes data to a temp file in the target directory,
// syncs it and renames it over path. Readers see the old or the new
// content, never a torn write.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	_ = os.Chmod(tmpPath, perm)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	syncDir(dir)
	return nil
}

// syncDir flushes the directory entry after a rename; best effort
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
