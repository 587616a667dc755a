package vault

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFile is the optional gitignore-syntax file in the sync root
// that excludes local paths from snapshots and watcher events.
const IgnoreFile = ".drivesyncignore"

// Entry describes one local file in a snapshot. Paths are /-separated
// and relative to the sync root. MTime is epoch milliseconds.
type Entry struct {
	Path  string
	Size  int64
	MTime int64
}

// Ignorer decides whether a relative path is excluded from sync.
type Ignorer struct {
	matcher *ignore.GitIgnore
}

// LoadIgnorer reads the ignore file from the sync root. A missing file
// yields an Ignorer that excludes nothing.
func LoadIgnorer(dir string) (*Ignorer, error) {
	path := filepath.Join(dir, IgnoreFile)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &Ignorer{}, nil
	}

	matcher, err := ignore.CompileIgnoreFile(path)
	if err != nil {
		return nil, fmt.Errorf("compiling %s: %w", IgnoreFile, err)
	}

	return &Ignorer{matcher: matcher}, nil
}

// Excluded reports whether a normalized relative path is filtered out,
// either by the ignore file or by the built-in hidden-file policy.
func (ig *Ignorer) Excluded(relPath string) bool {
	base := filepath.Base(relPath)

	// Hidden files and editor droppings never sync.
	if strings.HasPrefix(base, ".") {
		return true
	}

	if strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp") {
		return true
	}

	if ig.matcher != nil && ig.matcher.MatchesPath(relPath) {
		return true
	}

	return false
}

// Snapshot walks the sync directory and returns the current file
// listing keyed by normalized relative path. Directories are implicit
// (represented only by the paths of the files inside them); symlinks
// and excluded paths are skipped.
func (v *Vault) Snapshot(ig *Ignorer, logger *slog.Logger) (map[string]Entry, error) {
	entries := make(map[string]Entry)
	dir := v.Dir()

	err := filepath.WalkDir(dir, func(absPath string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(dir, absPath)
		if err != nil {
			return err
		}

		if relPath == "." {
			return nil
		}

		relPath = NormalizePath(relPath)

		if ig.Excluded(relPath) {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		// Skip symlinks to avoid following links outside the sync dir or
		// to special files that could hang a read.
		if d.Type()&os.ModeSymlink != 0 {
			logger.Debug("skipping symlink during snapshot", slog.String("path", relPath))
			return nil
		}

		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			logger.Warn("stat failed during snapshot", slog.String("path", relPath), slog.String("error", err.Error()))
			return nil
		}

		entries[relPath] = Entry{
			Path:  relPath,
			Size:  info.Size(),
			MTime: info.ModTime().UnixMilli(),
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking sync directory: %w", err)
	}

	logger.Debug("local snapshot complete", slog.Int("files", len(entries)))

	return entries, nil
}
