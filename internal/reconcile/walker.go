package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/drive-sync/internal/drive"
	"github.com/alexjbarnes/drive-sync/internal/vault"
)

// Transport is the subset of the remote store client the engine needs.
// Every call takes the bearer token for the current phase.
type Transport interface {
	ListChildren(ctx context.Context, token, folderID string) ([]drive.Object, error)
	GetMetadata(ctx context.Context, token, id string) (*drive.Object, error)
	CreateFile(ctx context.Context, token, parentID, name, mimeType string, content []byte) (string, error)
	UpdateFile(ctx context.Context, token, id string, content []byte) error
	DownloadFile(ctx context.Context, token, id string) ([]byte, error)
	DeleteFile(ctx context.Context, token, id string) error
	CreateFolder(ctx context.Context, token, parentID, name string) (string, error)
}

// RemoteEntry describes one non-folder remote object, with its relative
// path reconstructed from folder ancestry. MTime is epoch milliseconds,
// negative when the store sent no usable timestamp.
type RemoteEntry struct {
	ID       string
	Path     string
	Size     int64
	MTime    int64
	MimeType string
	// MD5 is the content checksum reported by the listing, when the
	// store computed one. Lets the equality oracle skip a download.
	MD5 string
}

// FolderIndex maps relative directory paths to remote folder ids. The
// empty path maps to the sync root. Entries are only ever added within
// a run; the index is discarded between runs because the remote folder
// structure may change in the meantime.
type FolderIndex struct {
	ids map[string]string
}

// NewFolderIndex creates an index seeded with the sync root id.
func NewFolderIndex(rootID string) *FolderIndex {
	return &FolderIndex{ids: map[string]string{"": rootID}}
}

// ID returns the folder id for a relative directory path.
func (f *FolderIndex) ID(path string) (string, bool) {
	id, ok := f.ids[path]
	return id, ok
}

// Add records the folder id for a relative directory path.
func (f *FolderIndex) Add(path, id string) {
	f.ids[path] = id
}

// Len returns the number of known folders, including the root.
func (f *FolderIndex) Len() int {
	return len(f.ids)
}

// Walker recursively lists the remote folder hierarchy and flattens it
// into path-keyed entries.
type Walker struct {
	transport Transport
	logger    *slog.Logger
}

// NewWalker creates a remote tree walker.
func NewWalker(transport Transport, logger *slog.Logger) *Walker {
	return &Walker{transport: transport, logger: logger}
}

// Walk lists everything under rootID. It returns the non-folder objects
// keyed by relative path and a FolderIndex covering every folder seen.
// Two siblings with the same name violate the path-uniqueness invariant
// and abort the walk.
func (w *Walker) Walk(ctx context.Context, token, rootID string) (map[string]RemoteEntry, *FolderIndex, error) {
	files := make(map[string]RemoteEntry)
	index := NewFolderIndex(rootID)

	type frame struct {
		id     string
		prefix string
	}

	stack := []frame{{id: rootID, prefix: ""}}

	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		children, err := w.transport.ListChildren(ctx, token, cur.id)
		if err != nil {
			return nil, nil, fmt.Errorf("walking remote folder %q: %w", cur.prefix, err)
		}

		seen := make(map[string]string, len(children))

		for _, obj := range children {
			path := vault.NormalizePath(joinPath(cur.prefix, obj.Name))

			if dupID, dup := seen[path]; dup {
				return nil, nil, fmt.Errorf("remote name collision at %q between %s and %s", path, dupID, obj.ID)
			}

			seen[path] = obj.ID

			if obj.IsFolder() {
				index.Add(path, obj.ID)
				stack = append(stack, frame{id: obj.ID, prefix: path})

				continue
			}

			files[path] = RemoteEntry{
				ID:       obj.ID,
				Path:     path,
				Size:     obj.Size,
				MTime:    obj.MTime(),
				MimeType: obj.MimeType,
				MD5:      obj.MD5Checksum,
			}
		}
	}

	w.logger.Debug("remote walk complete",
		slog.Int("files", len(files)),
		slog.Int("folders", index.Len()-1),
	)

	return files, index, nil
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}

	return prefix + "/" + name
}
