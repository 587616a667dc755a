package reconcile

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"mime"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/drive-sync/internal/config"
	"github.com/alexjbarnes/drive-sync/internal/errors"
	"github.com/alexjbarnes/drive-sync/internal/state"
	"github.com/alexjbarnes/drive-sync/internal/vault"
)

// CredentialSource hands out fresh bearer tokens. Callable repeatedly
// and cheaply; refreshing is the implementation's problem.
type CredentialSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Summary reports what one reconciliation run did.
type Summary struct {
	Uploaded      int
	Downloaded    int
	DeletedRemote int
	Conflicts     int
}

// Driver orchestrates one full reconciliation run: snapshot both sides,
// classify, resolve, transfer, advance the watermark. It is the only
// component that mutates anything beyond its own collaborators.
type Driver struct {
	vault     *vault.Vault
	ignorer   *vault.Ignorer
	transport Transport
	creds     CredentialSource
	store     *state.State
	rootID    string
	logger    *slog.Logger
	clock     clockwork.Clock
	resolver  *Resolver
	oracle    *Oracle

	// running enforces mutual exclusion between runs: concurrent runs
	// would race on the folder index cache and the watermark commit.
	running atomic.Bool

	pendingMu sync.Mutex
	pending   []*PendingConflict
}

// DriverConfig carries the driver's collaborators.
type DriverConfig struct {
	Vault        *vault.Vault
	Ignorer      *vault.Ignorer
	Transport    Transport
	Credentials  CredentialSource
	State        *state.State
	RootFolderID string
	Policy       config.ConflictPolicy

	// Clock defaults to the real clock. Tests inject a fake.
	Clock clockwork.Clock
}

// NewDriver creates a reconciliation driver.
func NewDriver(cfg DriverConfig, logger *slog.Logger) *Driver {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	d := &Driver{
		vault:     cfg.Vault,
		ignorer:   cfg.Ignorer,
		transport: cfg.Transport,
		creds:     cfg.Credentials,
		store:     cfg.State,
		rootID:    cfg.RootFolderID,
		logger:    logger,
		clock:     clock,
	}

	d.oracle = NewOracle(cfg.Transport, cfg.Vault, logger)
	d.resolver = NewResolver(cfg.Policy, d, logger)

	return d
}

// Run executes one reconciliation pass. Any error aborts the remainder
// of the run and leaves the watermark unchanged, so the next run
// re-evaluates the same delta. Only one run may execute at a time;
// overlapping calls fail with ErrRunInProgress.
func (d *Driver) Run(ctx context.Context, toRemote, fromRemote bool) (Summary, error) {
	if !d.running.CompareAndSwap(false, true) {
		return Summary{}, errors.ErrRunInProgress
	}
	defer d.running.Store(false)

	token, err := d.creds.AccessToken(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("acquiring access token: %w", err)
	}

	if err := d.validateRoot(ctx, token); err != nil {
		return Summary{}, err
	}

	watermark, err := d.store.LastSyncTime(d.rootID)
	if err != nil {
		return Summary{}, fmt.Errorf("reading watermark: %w", err)
	}

	local, remote, index, err := d.snapshot(ctx, token)
	if err != nil {
		return Summary{}, err
	}

	decisions := Classify(local, remote, watermark, Direction{ToRemote: toRemote, FromRemote: fromRemote})

	d.logger.Info("classification complete",
		slog.Int("paths", len(decisions)),
		slog.Int("local_files", len(local)),
		slog.Int("remote_files", len(remote)),
		slog.Int64("watermark", watermark),
	)

	// The folder index is seeded by the walker and extended by the
	// materializer. Both are scoped to this run; remote structure may
	// change between runs so nothing is carried over.
	materializer := NewMaterializer(d.transport, index, d.logger)

	var summary Summary

	if err := d.uploadPhase(ctx, materializer, decisions, &summary); err != nil {
		return Summary{}, err
	}

	if err := d.downloadPhase(ctx, decisions, &summary); err != nil {
		return Summary{}, err
	}

	if err := d.conflictPhase(ctx, decisions, &summary); err != nil {
		return Summary{}, err
	}

	if err := d.deletePhase(ctx, token, decisions, &summary); err != nil {
		return Summary{}, err
	}

	// All transfers complete (or the run would have aborted above):
	// safe to advance past everything this run observed.
	now := d.clock.Now().UnixMilli()
	if err := d.store.SetLastSyncTime(d.rootID, now); err != nil {
		return Summary{}, fmt.Errorf("committing watermark: %w", err)
	}

	d.logger.Info("reconciliation run complete",
		slog.Int("uploaded", summary.Uploaded),
		slog.Int("downloaded", summary.Downloaded),
		slog.Int("deleted_remote", summary.DeletedRemote),
		slog.Int("conflicts", summary.Conflicts),
		slog.Int64("watermark", now),
	)

	return summary, nil
}

// validateRoot fails fast, before any mutation, with a distinct message
// for each way the configured sync root can be unusable.
func (d *Driver) validateRoot(ctx context.Context, token string) error {
	obj, err := d.transport.GetMetadata(ctx, token, d.rootID)
	if err != nil {
		switch {
		case stderrors.Is(err, errors.ErrRemoteNotFound):
			return fmt.Errorf("sync root %s does not exist: %w", d.rootID, err)
		case stderrors.Is(err, errors.ErrRemoteForbidden):
			return fmt.Errorf("no permission to access sync root %s: %w", d.rootID, err)
		default:
			return fmt.Errorf("validating sync root %s: %w", d.rootID, err)
		}
	}

	if !obj.IsFolder() {
		return fmt.Errorf("sync root %s (%s) has type %s: %w", d.rootID, obj.Name, obj.MimeType, errors.ErrNotAFolder)
	}

	return nil
}

// snapshot enumerates both trees concurrently. Both snapshots complete
// before classification so a run operates on one isolated view.
func (d *Driver) snapshot(ctx context.Context, token string) (map[string]vault.Entry, map[string]RemoteEntry, *FolderIndex, error) {
	var (
		local  map[string]vault.Entry
		remote map[string]RemoteEntry
		index  *FolderIndex
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error

		local, err = d.vault.Snapshot(d.ignorer, d.logger)
		if err != nil {
			return fmt.Errorf("enumerating local tree: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		var err error

		walker := NewWalker(d.transport, d.logger)

		remote, index, err = walker.Walk(gctx, token, d.rootID)
		if err != nil {
			return fmt.Errorf("enumerating remote tree: %w", err)
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, nil, nil, err
	}

	return local, remote, index, nil
}

// uploadPhase pushes every upload decision. The token is refreshed at
// phase start: a run can outlive a short-lived access token.
func (d *Driver) uploadPhase(ctx context.Context, materializer *Materializer, decisions []Decision, summary *Summary) error {
	token, err := d.creds.AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("refreshing token for upload phase: %w", err)
	}

	for _, dec := range decisions {
		if dec.Kind != KindUpload {
			continue
		}

		if err := d.upload(ctx, token, materializer, dec); err != nil {
			return err
		}

		summary.Uploaded++
	}

	return nil
}

func (d *Driver) upload(ctx context.Context, token string, materializer *Materializer, dec Decision) error {
	content, err := d.vault.ReadFile(dec.Path)
	if err != nil {
		return fmt.Errorf("reading %s for upload: %w", dec.Path, err)
	}

	// Existing remote counterpart: update in place, keeping the id
	// stable across the change.
	if dec.Remote != nil {
		d.logger.Info("uploading (update)", slog.String("path", dec.Path), slog.String("id", dec.Remote.ID))

		if err := d.transport.UpdateFile(ctx, token, dec.Remote.ID, content); err != nil {
			return fmt.Errorf("uploading %s: %w", dec.Path, err)
		}

		return nil
	}

	parentID, err := materializer.EnsurePath(ctx, token, parentDir(dec.Path))
	if err != nil {
		return fmt.Errorf("materializing parent of %s: %w", dec.Path, err)
	}

	d.logger.Info("uploading (create)", slog.String("path", dec.Path), slog.Int("bytes", len(content)))

	if _, err := d.transport.CreateFile(ctx, token, parentID, path.Base(dec.Path), mimeTypeFor(dec.Path), content); err != nil {
		return fmt.Errorf("uploading %s: %w", dec.Path, err)
	}

	return nil
}

// downloadPhase pulls every download decision, refreshing the token
// first.
func (d *Driver) downloadPhase(ctx context.Context, decisions []Decision, summary *Summary) error {
	token, err := d.creds.AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("refreshing token for download phase: %w", err)
	}

	for _, dec := range decisions {
		if dec.Kind != KindDownload {
			continue
		}

		d.logger.Info("downloading", slog.String("path", dec.Path), slog.String("id", dec.Remote.ID))

		if err := d.download(ctx, token, *dec.Remote); err != nil {
			return err
		}

		summary.Downloaded++
	}

	return nil
}

func (d *Driver) download(ctx context.Context, token string, remote RemoteEntry) error {
	content, err := d.transport.DownloadFile(ctx, token, remote.ID)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", remote.Path, err)
	}

	var mtime time.Time
	if remote.MTime > 0 {
		mtime = time.UnixMilli(remote.MTime)
	}

	if err := d.vault.WriteFile(remote.Path, content, mtime); err != nil {
		return fmt.Errorf("writing %s: %w", remote.Path, err)
	}

	return nil
}

// conflictPhase runs the equality oracle on every conflict candidate
// and hands genuine divergence to the resolver. False conflicts
// (identical content created independently) cost one comparison and no
// transfer.
func (d *Driver) conflictPhase(ctx context.Context, decisions []Decision, summary *Summary) error {
	token, err := d.creds.AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("refreshing token for conflict phase: %w", err)
	}

	for _, dec := range decisions {
		if dec.Kind != KindConflict {
			continue
		}

		if d.oracle.Identical(ctx, token, *dec.Local, *dec.Remote) {
			d.logger.Info("false conflict suppressed", slog.String("path", dec.Path))
			continue
		}

		summary.Conflicts++

		res, err := d.resolver.Resolve(ctx, *dec.Local, *dec.Remote)
		if err != nil {
			return err
		}

		if res.Uploaded {
			summary.Uploaded++
		}

		if res.Downloaded {
			summary.Downloaded++
		}

		if res.Pending != nil {
			d.pendingMu.Lock()
			d.pending = append(d.pending, res.Pending)
			d.pendingMu.Unlock()

			d.logger.Info("conflict awaiting arbitration", slog.String("path", dec.Path))
		}
	}

	return nil
}

// deletePhase propagates local deletions to the remote store.
func (d *Driver) deletePhase(ctx context.Context, token string, decisions []Decision, summary *Summary) error {
	for _, dec := range decisions {
		if dec.Kind != KindDeleteRemote {
			continue
		}

		d.logger.Info("deleting remote", slog.String("path", dec.Path), slog.String("id", dec.Remote.ID))

		if err := d.transport.DeleteFile(ctx, token, dec.Remote.ID); err != nil {
			return fmt.Errorf("deleting remote %s: %w", dec.Path, err)
		}

		summary.DeletedRemote++
	}

	return nil
}

// TakePendingConflicts drains the conflicts suspended for interactive
// arbitration. Each carries two continuations of which exactly one may
// be invoked.
func (d *Driver) TakePendingConflicts() []*PendingConflict {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()

	pending := d.pending
	d.pending = nil

	return pending
}

// UploadInPlace implements Transferer for the resolver and for pending
// conflict continuations. It fetches its own token: a continuation may
// run long after the run that produced it.
func (d *Driver) UploadInPlace(ctx context.Context, local vault.Entry, remote RemoteEntry) error {
	token, err := d.creds.AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("acquiring token: %w", err)
	}

	content, err := d.vault.ReadFile(local.Path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", local.Path, err)
	}

	if err := d.transport.UpdateFile(ctx, token, remote.ID, content); err != nil {
		return fmt.Errorf("uploading %s in place: %w", local.Path, err)
	}

	return nil
}

// DownloadRemote implements Transferer.
func (d *Driver) DownloadRemote(ctx context.Context, remote RemoteEntry) error {
	token, err := d.creds.AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("acquiring token: %w", err)
	}

	return d.download(ctx, token, remote)
}

// parentDir returns the directory portion of a relative path, or ""
// for a root-level file.
func parentDir(relPath string) string {
	dir := path.Dir(relPath)
	if dir == "." {
		return ""
	}

	return dir
}

// mimeTypeFor guesses a MIME type from the file extension, falling back
// to octet-stream.
func mimeTypeFor(relPath string) string {
	if t := mime.TypeByExtension(path.Ext(relPath)); t != "" {
		return t
	}

	return "application/octet-stream"
}
