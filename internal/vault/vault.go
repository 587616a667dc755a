package vault

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"
)

const (
	// dirPerm is the permission mode for directories created inside the
	// sync directory.
	dirPerm = fs.FileMode(0o755)

	// filePerm is the permission mode for files written inside the sync
	// directory.
	filePerm = fs.FileMode(0o644)
)

// mtimeMin and mtimeMax clamp remote-provided modification times to a
// reasonable range, preventing a misbehaving remote store from setting
// far-future or far-past timestamps that would confuse classification.
var (
	mtimeMin = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	mtimeMax = time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)
)

// Vault provides thread-safe filesystem operations on the sync
// directory. All writes are serialized by an exclusive lock; reads take
// a shared lock so a reader never observes a partial write. The
// reconciliation driver and the watcher both go through this type.
type Vault struct {
	dir string
	mu  sync.RWMutex
}

// New creates a Vault rooted at the given directory, creating it if it
// does not exist. The directory must be an absolute path (resolved at
// config load time).
func New(dir string) (*Vault, error) {
	if dir == "" {
		return nil, fmt.Errorf("sync directory must not be empty")
	}

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("creating sync directory %s: %w", dir, err)
	}

	return &Vault{dir: dir}, nil
}

// Dir returns the root directory of the vault.
func (v *Vault) Dir() string {
	return v.dir
}

// ReadFile reads a file by relative path.
func (v *Vault) ReadFile(relPath string) ([]byte, error) {
	absPath, err := v.resolve(relPath)
	if err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	return os.ReadFile(absPath) //nolint:gosec // G304: absPath validated by Vault.resolve
}

// WriteFile writes content to a file by relative path, creating parent
// directories as needed. If mtime is non-zero, the file's modification
// time is set afterwards so downloaded files keep the remote timestamp.
func (v *Vault) WriteFile(relPath string, data []byte, mtime time.Time) error {
	absPath, err := v.resolve(relPath)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(absPath), dirPerm); err != nil {
		return fmt.Errorf("creating directory for %s: %w", relPath, err)
	}

	if err := os.WriteFile(absPath, data, filePerm); err != nil {
		return err
	}

	if !mtime.IsZero() {
		mtime = clampMtime(mtime)
		if err := os.Chtimes(absPath, mtime, mtime); err != nil {
			return fmt.Errorf("setting mtime for %s: %w", relPath, err)
		}
	}

	return nil
}

// MkdirAll creates a directory (and parents) by relative path. Idempotent.
func (v *Vault) MkdirAll(relPath string) error {
	absPath, err := v.resolve(relPath)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	return os.MkdirAll(absPath, dirPerm)
}

// Stat returns file info for a relative path. Takes a read lock to
// ensure the file isn't being written mid-stat.
func (v *Vault) Stat(relPath string) (os.FileInfo, error) {
	absPath, err := v.resolve(relPath)
	if err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	return os.Stat(absPath)
}

// resolve converts a relative path to an absolute path within the sync
// directory, rejecting path traversal attempts: null bytes, ".."
// segments, and symlinks that escape the directory.
func (v *Vault) resolve(relPath string) (string, error) {
	if relPath == "" {
		return "", fmt.Errorf("empty path")
	}

	if strings.ContainsRune(relPath, 0) {
		return "", fmt.Errorf("path contains null byte: %q", relPath)
	}

	// Normalize backslashes to forward slashes so the ".." segment check
	// below catches Windows-style traversal.
	relPath = strings.ReplaceAll(relPath, "\\", "/")

	for _, seg := range strings.Split(relPath, "/") {
		if seg == ".." {
			return "", fmt.Errorf("path contains ..: %q", relPath)
		}
	}

	absPath := filepath.Join(v.dir, relPath)
	if !strings.HasPrefix(absPath, v.dir+string(os.PathSeparator)) {
		return "", fmt.Errorf("path traversal blocked: %q resolves outside sync dir", relPath)
	}

	// Resolve symlinks and verify the real path stays inside.
	realPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			// New file. Check the parent directory instead: a symlinked
			// parent pointing outside is still a traversal.
			parentReal, pErr := filepath.EvalSymlinks(filepath.Dir(absPath))
			if pErr != nil {
				// Parent doesn't exist either; MkdirAll will create it and
				// the prefix check above already passed.
				return absPath, nil //nolint:nilerr // intentional: parent will be created by MkdirAll
			}

			prefix := v.dir + string(os.PathSeparator)
			if !strings.HasPrefix(parentReal+string(os.PathSeparator), prefix) && parentReal != v.dir {
				return "", fmt.Errorf("symlink traversal blocked: parent of %q resolves to %q outside sync dir", relPath, parentReal)
			}

			return absPath, nil
		}

		return "", fmt.Errorf("resolving symlinks for %q: %w", relPath, err)
	}

	if !strings.HasPrefix(realPath, v.dir+string(os.PathSeparator)) && realPath != v.dir {
		return "", fmt.Errorf("symlink traversal blocked: %q resolves to %q outside sync dir", relPath, realPath)
	}

	return absPath, nil
}

// clampMtime restricts a timestamp to the range [2000, 2100).
func clampMtime(t time.Time) time.Time {
	if t.Before(mtimeMin) {
		return mtimeMin
	}

	if t.After(mtimeMax) {
		return mtimeMax
	}

	return t
}

// NormalizePath normalizes a vault-relative path: OS-native separators
// to forward slashes, non-breaking spaces to regular spaces, repeated
// slashes collapsed, leading/trailing slashes trimmed, Unicode NFC.
// Call this on every path entering the system: snapshot output, watcher
// events, and paths reconstructed from remote folder ancestry.
func NormalizePath(path string) string {
	path = strings.ReplaceAll(path, "\\", "/")
	path = strings.ReplaceAll(path, "\u00A0", " ")
	path = strings.ReplaceAll(path, "\u202F", " ")

	var b strings.Builder

	prevSlash := false

	for _, r := range path {
		if r == '/' {
			if prevSlash {
				continue
			}

			prevSlash = true
		} else {
			prevSlash = false
		}

		b.WriteRune(r)
	}

	path = strings.Trim(b.String(), "/")

	return norm.NFC.String(path)
}
