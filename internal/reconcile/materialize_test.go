package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsurePathCreatesEachMissingSegmentOnce(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote("root")
	index := NewFolderIndex("root")
	m := NewMaterializer(remote, index, testLogger())

	id, err := m.EnsurePath(context.Background(), "tok", "a/b/c")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	// One create per missing segment, one listing per lookup.
	assert.Equal(t, 3, remote.createFolderCalls)
	assert.Equal(t, 3, remote.listCalls)

	// Same path again: fully served from the index, zero API calls.
	again, err := m.EnsurePath(context.Background(), "tok", "a/b/c")
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, 3, remote.createFolderCalls)
	assert.Equal(t, 3, remote.listCalls)

	// Sibling under a cached ancestor costs exactly one more create.
	_, err = m.EnsurePath(context.Background(), "tok", "a/b/d")
	require.NoError(t, err)
	assert.Equal(t, 4, remote.createFolderCalls)
}

func TestEnsurePathEmptyResolvesToRoot(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote("root")
	m := NewMaterializer(remote, NewFolderIndex("root"), testLogger())

	id, err := m.EnsurePath(context.Background(), "tok", "")
	require.NoError(t, err)
	assert.Equal(t, "root", id)
	assert.Zero(t, remote.listCalls)
}

func TestEnsurePathAdoptsExistingRemoteFolder(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote("root")
	existingID := remote.addFolder("root", "docs")

	// Index seeded without the folder, as if it appeared remotely after
	// the walk.
	m := NewMaterializer(remote, NewFolderIndex("root"), testLogger())

	id, err := m.EnsurePath(context.Background(), "tok", "docs")
	require.NoError(t, err)
	assert.Equal(t, existingID, id)
	assert.Zero(t, remote.createFolderCalls)
}

func TestEnsurePathUsesWalkerSeededIndex(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote("root")
	docsID := remote.addFolder("root", "docs")

	index := NewFolderIndex("root")
	index.Add("docs", docsID)

	m := NewMaterializer(remote, index, testLogger())

	_, err := m.EnsurePath(context.Background(), "tok", "docs/new")
	require.NoError(t, err)

	// "docs" came from the index; only "new" needed a round trip.
	assert.Equal(t, 1, remote.listCalls)
	assert.Equal(t, 1, remote.createFolderCalls)
}

func TestEnsurePathPropagatesListingFailure(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote("root")
	remote.failList = assert.AnError

	m := NewMaterializer(remote, NewFolderIndex("root"), testLogger())

	_, err := m.EnsurePath(context.Background(), "tok", "a")
	require.ErrorIs(t, err, assert.AnError)
}
