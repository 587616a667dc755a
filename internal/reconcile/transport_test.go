package reconcile

import (
	"context"
	"crypto/md5" //nolint:gosec // test fixture checksums
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/drive-sync/internal/drive"
	"github.com/alexjbarnes/drive-sync/internal/errors"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRemote is an in-memory stand-in for the remote object store. It
// tracks call counts so tests can assert how many API round trips an
// operation cost.
type fakeRemote struct {
	mu      sync.Mutex
	objects map[string]drive.Object
	content map[string][]byte
	nextID  int

	listCalls         int
	metadataCalls     int
	createFileCalls   int
	createFolderCalls int
	updateCalls       int
	downloadCalls     int
	deleteCalls       int

	failList     error
	failUpdate   error
	failCreate   error
	failDownload error
	failMetadata error
}

func newFakeRemote(rootID string) *fakeRemote {
	return &fakeRemote{
		objects: map[string]drive.Object{
			rootID: {ID: rootID, Name: "root", MimeType: drive.FolderMimeType},
		},
		content: map[string][]byte{},
	}
}

func (f *fakeRemote) newID() string {
	f.nextID++
	return fmt.Sprintf("obj-%d", f.nextID)
}

func (f *fakeRemote) addFolder(parentID, name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.newID()
	f.objects[id] = drive.Object{
		ID:       id,
		Name:     name,
		MimeType: drive.FolderMimeType,
		Parents:  []string{parentID},
	}

	return id
}

func (f *fakeRemote) addFile(parentID, name, mimeType string, content []byte, modified time.Time) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.newID()
	sum := md5.Sum(content) //nolint:gosec // test fixture checksum
	f.objects[id] = drive.Object{
		ID:           id,
		Name:         name,
		MimeType:     mimeType,
		Parents:      []string{parentID},
		Size:         int64(len(content)),
		MD5Checksum:  hex.EncodeToString(sum[:]),
		ModifiedTime: modified.UTC().Format(time.RFC3339),
	}
	f.content[id] = content

	return id
}

func (f *fakeRemote) ListChildren(_ context.Context, _, folderID string) ([]drive.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.listCalls++

	if f.failList != nil {
		return nil, f.failList
	}

	var children []drive.Object

	for _, obj := range f.objects {
		for _, p := range obj.Parents {
			if p == folderID {
				children = append(children, obj)
			}
		}
	}

	return children, nil
}

func (f *fakeRemote) GetMetadata(_ context.Context, _, id string) (*drive.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.metadataCalls++

	if f.failMetadata != nil {
		return nil, f.failMetadata
	}

	obj, ok := f.objects[id]
	if !ok {
		return nil, fmt.Errorf("getting metadata for %s: %w", id, errors.ErrRemoteNotFound)
	}

	return &obj, nil
}

func (f *fakeRemote) CreateFile(_ context.Context, _, parentID, name, mimeType string, content []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.createFileCalls++

	if f.failCreate != nil {
		return "", f.failCreate
	}

	id := f.newID()
	sum := md5.Sum(content) //nolint:gosec // test fixture checksum
	f.objects[id] = drive.Object{
		ID:           id,
		Name:         name,
		MimeType:     mimeType,
		Parents:      []string{parentID},
		Size:         int64(len(content)),
		MD5Checksum:  hex.EncodeToString(sum[:]),
		ModifiedTime: time.Now().UTC().Format(time.RFC3339),
	}
	f.content[id] = content

	return id, nil
}

func (f *fakeRemote) UpdateFile(_ context.Context, _, id string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.updateCalls++

	if f.failUpdate != nil {
		return f.failUpdate
	}

	obj, ok := f.objects[id]
	if !ok {
		return fmt.Errorf("updating file %s: %w", id, errors.ErrRemoteNotFound)
	}

	sum := md5.Sum(content) //nolint:gosec // test fixture checksum
	obj.Size = int64(len(content))
	obj.MD5Checksum = hex.EncodeToString(sum[:])
	obj.ModifiedTime = time.Now().UTC().Format(time.RFC3339)
	f.objects[id] = obj
	f.content[id] = content

	return nil
}

func (f *fakeRemote) DownloadFile(_ context.Context, _, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.downloadCalls++

	if f.failDownload != nil {
		return nil, f.failDownload
	}

	content, ok := f.content[id]
	if !ok {
		return nil, fmt.Errorf("downloading file %s: %w", id, errors.ErrRemoteNotFound)
	}

	return content, nil
}

func (f *fakeRemote) DeleteFile(_ context.Context, _, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deleteCalls++

	if _, ok := f.objects[id]; !ok {
		return fmt.Errorf("deleting file %s: %w", id, errors.ErrRemoteNotFound)
	}

	delete(f.objects, id)
	delete(f.content, id)

	return nil
}

func (f *fakeRemote) CreateFolder(_ context.Context, _, parentID, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.createFolderCalls++

	id := f.newID()
	f.objects[id] = drive.Object{
		ID:       id,
		Name:     name,
		MimeType: drive.FolderMimeType,
		Parents:  []string{parentID},
	}

	return id, nil
}

// fakeCreds is a CredentialSource that counts calls and can block the
// first caller until released.
type fakeCreds struct {
	mu    sync.Mutex
	calls int

	entered chan struct{}
	release chan struct{}
}

func (c *fakeCreds) AccessToken(_ context.Context) (string, error) {
	c.mu.Lock()
	c.calls++
	first := c.calls == 1
	c.mu.Unlock()

	if first && c.entered != nil {
		c.entered <- struct{}{}
		<-c.release
	}

	return "test-token", nil
}

func (c *fakeCreds) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.calls
}
