package reconcile

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/drive-sync/internal/config"
	"github.com/alexjbarnes/drive-sync/internal/vault"
)

type fakeTransfer struct {
	mu        sync.Mutex
	uploads   int
	downloads int
	err       error
}

func (f *fakeTransfer) UploadInPlace(_ context.Context, _ vault.Entry, _ RemoteEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.uploads++

	return f.err
}

func (f *fakeTransfer) DownloadRemote(_ context.Context, _ RemoteEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.downloads++

	return f.err
}

func conflictPair() (vault.Entry, RemoteEntry) {
	local := vault.Entry{Path: "note.md", Size: 5, MTime: 1_000}
	remote := RemoteEntry{ID: "r1", Path: "note.md", Size: 9, MTime: 2_000}

	return local, remote
}

func TestResolverPolicies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		policy        config.ConflictPolicy
		wantUploads   int
		wantDownloads int
		wantPending   bool
	}{
		{name: "replace-with-local uploads", policy: config.PolicyReplaceWithLocal, wantUploads: 1},
		{name: "keep-remote downloads", policy: config.PolicyKeepRemote, wantDownloads: 1},
		{name: "keep-local touches nothing", policy: config.PolicyKeepLocal},
		{name: "interactive suspends", policy: config.PolicyInteractive, wantPending: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			transfer := &fakeTransfer{}
			resolver := NewResolver(tt.policy, transfer, testLogger())
			local, remote := conflictPair()

			res, err := resolver.Resolve(context.Background(), local, remote)
			require.NoError(t, err)

			assert.Equal(t, tt.wantUploads, transfer.uploads)
			assert.Equal(t, tt.wantDownloads, transfer.downloads)
			assert.Equal(t, tt.wantUploads == 1, res.Uploaded)
			assert.Equal(t, tt.wantDownloads == 1, res.Downloaded)

			if tt.wantPending {
				require.NotNil(t, res.Pending)
				assert.Equal(t, "note.md", res.Pending.Path)
			} else {
				assert.Nil(t, res.Pending)
			}
		})
	}
}

func TestResolverUnknownPolicy(t *testing.T) {
	t.Parallel()

	resolver := NewResolver("bogus", &fakeTransfer{}, testLogger())
	local, remote := conflictPair()

	_, err := resolver.Resolve(context.Background(), local, remote)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown conflict policy")
}

func TestResolverPropagatesTransferFailure(t *testing.T) {
	t.Parallel()

	transfer := &fakeTransfer{err: assert.AnError}
	resolver := NewResolver(config.PolicyReplaceWithLocal, transfer, testLogger())
	local, remote := conflictPair()

	_, err := resolver.Resolve(context.Background(), local, remote)
	require.ErrorIs(t, err, assert.AnError)
}

func TestPendingConflictResolvesExactlyOnce(t *testing.T) {
	t.Parallel()

	t.Run("choose local then remote", func(t *testing.T) {
		t.Parallel()

		transfer := &fakeTransfer{}
		resolver := NewResolver(config.PolicyInteractive, transfer, testLogger())
		local, remote := conflictPair()

		res, err := resolver.Resolve(context.Background(), local, remote)
		require.NoError(t, err)
		require.NotNil(t, res.Pending)

		require.NoError(t, res.Pending.ChooseLocal(context.Background()))
		assert.Equal(t, 1, transfer.uploads)

		err = res.Pending.ChooseRemote(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already resolved")
		assert.Zero(t, transfer.downloads)
	})

	t.Run("choose remote twice", func(t *testing.T) {
		t.Parallel()

		transfer := &fakeTransfer{}
		resolver := NewResolver(config.PolicyInteractive, transfer, testLogger())
		local, remote := conflictPair()

		res, err := resolver.Resolve(context.Background(), local, remote)
		require.NoError(t, err)

		require.NoError(t, res.Pending.ChooseRemote(context.Background()))
		require.Error(t, res.Pending.ChooseRemote(context.Background()))
		assert.Equal(t, 1, transfer.downloads)
	})
}
