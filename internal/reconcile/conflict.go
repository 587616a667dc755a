package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/alexjbarnes/drive-sync/internal/config"
	"github.com/alexjbarnes/drive-sync/internal/vault"
)

// Transferer performs the two terminal conflict actions. The driver
// implements it; the resolver stays free of transport and token
// plumbing.
type Transferer interface {
	// UploadInPlace pushes the local content to the existing remote
	// object id.
	UploadInPlace(ctx context.Context, local vault.Entry, remote RemoteEntry) error

	// DownloadRemote pulls the remote content and overwrites the local
	// file.
	DownloadRemote(ctx context.Context, remote RemoteEntry) error
}

// PendingConflict is a suspended conflict decision: the path, the
// remote descriptor, and two continuations. Whichever the external
// arbiter invokes performs the transfer; the other becomes a no-op.
// Exactly one invocation wins, ever.
type PendingConflict struct {
	Path   string
	Local  vault.Entry
	Remote RemoteEntry

	transfer Transferer
	consumed atomic.Bool
}

// ChooseLocal resolves the conflict by uploading the local version over
// the remote object. Returns an error if the conflict was already
// resolved.
func (p *PendingConflict) ChooseLocal(ctx context.Context) error {
	if !p.consumed.CompareAndSwap(false, true) {
		return fmt.Errorf("conflict for %s already resolved", p.Path)
	}

	return p.transfer.UploadInPlace(ctx, p.Local, p.Remote)
}

// ChooseRemote resolves the conflict by downloading the remote version
// over the local file. Returns an error if the conflict was already
// resolved.
func (p *PendingConflict) ChooseRemote(ctx context.Context) error {
	if !p.consumed.CompareAndSwap(false, true) {
		return fmt.Errorf("conflict for %s already resolved", p.Path)
	}

	return p.transfer.DownloadRemote(ctx, p.Remote)
}

// Resolution is the outcome of resolving one genuine conflict.
type Resolution struct {
	// Uploaded and Downloaded report which transfer, if any, happened
	// synchronously.
	Uploaded   bool
	Downloaded bool

	// Pending carries the suspended decision under the interactive
	// policy. Nil for terminal policies.
	Pending *PendingConflict
}

// Resolver applies the configured policy to genuine conflicts. It keeps
// no state between conflicts.
type Resolver struct {
	policy   config.ConflictPolicy
	transfer Transferer
	logger   *slog.Logger
}

// NewResolver creates a conflict resolver with the given policy.
func NewResolver(policy config.ConflictPolicy, transfer Transferer, logger *slog.Logger) *Resolver {
	return &Resolver{policy: policy, transfer: transfer, logger: logger}
}

// Resolve applies the policy to one conflict that the equality oracle
// has already confirmed as genuine divergence.
func (r *Resolver) Resolve(ctx context.Context, local vault.Entry, remote RemoteEntry) (Resolution, error) {
	switch r.policy {
	case config.PolicyReplaceWithLocal:
		if err := r.transfer.UploadInPlace(ctx, local, remote); err != nil {
			return Resolution{}, fmt.Errorf("replacing remote with local for %s: %w", local.Path, err)
		}

		return Resolution{Uploaded: true}, nil

	case config.PolicyKeepRemote:
		if err := r.transfer.DownloadRemote(ctx, remote); err != nil {
			return Resolution{}, fmt.Errorf("keeping remote for %s: %w", local.Path, err)
		}

		return Resolution{Downloaded: true}, nil

	case config.PolicyKeepLocal:
		// Both sides keep their version. Because the watermark still
		// advances past both mtimes, this pair will NOT be re-flagged on
		// the next run: the divergence becomes invisible until one side
		// changes again. Logged loudly since users rarely expect it.
		r.logger.Warn("conflict kept diverged; will not be re-detected until either side changes",
			slog.String("path", local.Path),
			slog.String("policy", string(config.PolicyKeepLocal)),
		)

		return Resolution{}, nil

	case config.PolicyInteractive:
		return Resolution{Pending: &PendingConflict{
			Path:     local.Path,
			Local:    local,
			Remote:   remote,
			transfer: r.transfer,
		}}, nil

	default:
		return Resolution{}, fmt.Errorf("unknown conflict policy %q", r.policy)
	}
}
