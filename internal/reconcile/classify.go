package reconcile

import (
	"sort"

	"github.com/alexjbarnes/drive-sync/internal/vault"
)

// slackMs absorbs clock skew and the round-trip latency between the
// watermark write and entry timestamps. Without it, a file written in
// the final moments of the previous run would look independently
// changed on both sides and surface as a spurious conflict.
const slackMs int64 = 2000

// Kind is the per-path verdict of one classification pass.
type Kind int

const (
	// KindSkip means no action: neither side changed since the
	// watermark, or the acting direction is disabled.
	KindSkip Kind = iota

	// KindUpload means the local version should be pushed to the remote
	// store, creating the object (new path) or updating it in place.
	KindUpload

	// KindDownload means the remote version should be pulled and written
	// over the local file (or created locally).
	KindDownload

	// KindConflict means both sides changed since the watermark. Subject
	// to the content equality oracle before it reaches the resolver.
	KindConflict

	// KindDeleteRemote means the path exists only remotely and has not
	// changed since the watermark, which reads as a local deletion to
	// propagate.
	KindDeleteRemote
)

func (k Kind) String() string {
	switch k {
	case KindSkip:
		return "skip"
	case KindUpload:
		return "upload"
	case KindDownload:
		return "download"
	case KindConflict:
		return "conflict"
	case KindDeleteRemote:
		return "delete-remote"
	default:
		return "unknown"
	}
}

// Direction selects which transfer directions a run acts on. Both true
// means bidirectional. Conflicts are reported regardless of direction
// so disabling one side never hides divergence bookkeeping.
type Direction struct {
	ToRemote   bool
	FromRemote bool
}

// Decision is the verdict for one path, with the entries that produced
// it. Local is nil for remote-only paths, Remote for local-only ones.
type Decision struct {
	Path   string
	Kind   Kind
	Local  *vault.Entry
	Remote *RemoteEntry
}

// Classify compares the two snapshots against the watermark and
// produces exactly one decision per path in their union, ordered by
// path. This is a pure function: all decisions are computed before any
// mutation begins, so a run operates on an isolated view of both sides.
func Classify(local map[string]vault.Entry, remote map[string]RemoteEntry, watermark int64, dir Direction) []Decision {
	paths := make([]string, 0, len(local)+len(remote))
	seen := make(map[string]bool, len(local)+len(remote))

	for path := range local {
		paths = append(paths, path)
		seen[path] = true
	}

	for path := range remote {
		if !seen[path] {
			paths = append(paths, path)
		}
	}

	sort.Strings(paths)

	threshold := watermark + slackMs
	decisions := make([]Decision, 0, len(paths))

	for _, path := range paths {
		le, hasLocal := local[path]
		re, hasRemote := remote[path]

		d := Decision{Path: path}

		if hasLocal {
			l := le
			d.Local = &l
		}

		if hasRemote {
			r := re
			d.Remote = &r
		}

		switch {
		case hasLocal && !hasRemote:
			// No remote counterpart: created locally. Parent folder gets
			// materialized before the transfer.
			if dir.ToRemote {
				d.Kind = KindUpload
			}

		case !hasLocal && hasRemote:
			if remoteChangedSince(re.MTime, threshold) {
				// Created remotely after the last sync.
				if dir.FromRemote {
					d.Kind = KindDownload
				}
			} else if dir.ToRemote {
				// Unchanged remotely but gone locally: the file was removed
				// here since the last sync, so propagate the deletion.
				d.Kind = KindDeleteRemote
			}

		default:
			localChanged := le.MTime > threshold
			remoteChanged := remoteChangedSince(re.MTime, threshold)

			switch {
			case localChanged && remoteChanged:
				d.Kind = KindConflict
			case localChanged && dir.ToRemote:
				d.Kind = KindUpload
			case remoteChanged && !localChanged && dir.FromRemote:
				d.Kind = KindDownload
			}
		}

		decisions = append(decisions, d)
	}

	return decisions
}

// remoteChangedSince reports whether a remote mtime counts as changed.
// A negative mtime means the store sent no usable timestamp; it must
// read as changed, or a degraded listing would make the object look
// safely deletable.
func remoteChangedSince(mtime, threshold int64) bool {
	return mtime < 0 || mtime > threshold
}
