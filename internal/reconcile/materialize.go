package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Materializer mirrors relative directory paths onto a store whose
// native model is only parent-pointer edges. EnsurePath is idempotent
// within a run: the FolderIndex cache guarantees at most one create
// call per missing segment even when many files share a deep ancestor.
type Materializer struct {
	transport Transport
	index     *FolderIndex
	logger    *slog.Logger
}

// NewMaterializer creates a materializer over the given index. The
// index is typically the one produced by the walker for this run, so
// folders that already exist remotely are never re-listed.
func NewMaterializer(transport Transport, index *FolderIndex, logger *slog.Logger) *Materializer {
	return &Materializer{transport: transport, index: index, logger: logger}
}

// EnsurePath returns the remote folder id for a relative directory
// path, creating missing segments on demand. The empty path resolves to
// the sync root. Any listing or creation failure propagates: the caller
// must not upload into an unresolved parent.
func (m *Materializer) EnsurePath(ctx context.Context, token, dirPath string) (string, error) {
	parentID, ok := m.index.ID("")
	if !ok {
		return "", fmt.Errorf("folder index has no sync root")
	}

	if dirPath == "" {
		return parentID, nil
	}

	segments := strings.Split(dirPath, "/")
	subPath := ""

	for _, segment := range segments {
		subPath = joinPath(subPath, segment)

		if id, ok := m.index.ID(subPath); ok {
			parentID = id
			continue
		}

		id, err := m.lookupOrCreate(ctx, token, parentID, segment, subPath)
		if err != nil {
			return "", err
		}

		m.index.Add(subPath, id)
		parentID = id
	}

	return parentID, nil
}

// lookupOrCreate finds an existing child folder named segment under
// parentID, creating it when absent. The store is eventually consistent
// so a folder created earlier in the run may not show up in a fresh
// listing; the index cache is what protects against duplicate creates.
func (m *Materializer) lookupOrCreate(ctx context.Context, token, parentID, segment, subPath string) (string, error) {
	children, err := m.transport.ListChildren(ctx, token, parentID)
	if err != nil {
		return "", fmt.Errorf("resolving folder %q: %w", subPath, err)
	}

	for _, obj := range children {
		if obj.IsFolder() && obj.Name == segment {
			return obj.ID, nil
		}
	}

	id, err := m.transport.CreateFolder(ctx, token, parentID, segment)
	if err != nil {
		return "", fmt.Errorf("creating folder %q: %w", subPath, err)
	}

	m.logger.Info("created remote folder", slog.String("path", subPath), slog.String("id", id))

	return id, nil
}
