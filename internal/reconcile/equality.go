package reconcile

import (
	"context"
	"crypto/md5" //nolint:gosec // G501: content fingerprint matching the store's checksum, not a security boundary
	"encoding/hex"
	"log/slog"
	"strings"

	"github.com/alexjbarnes/drive-sync/internal/vault"
)

// textMimePrefixes and textMimeTypes classify MIME types whose content
// is cheap enough to compare byte-for-byte. Everything else is treated
// as binary.
var (
	textMimePrefixes = []string{"text/"}

	textMimeTypes = map[string]bool{
		"application/json":       true,
		"application/xml":        true,
		"application/javascript": true,
		"application/x-yaml":     true,
	}
)

// textLikeMime reports whether a MIME type is classified as text.
// Parameters and suffixes ("application/ld+json; charset=utf-8") count.
func textLikeMime(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}

	for _, prefix := range textMimePrefixes {
		if strings.HasPrefix(mimeType, prefix) {
			return true
		}
	}

	if textMimeTypes[mimeType] {
		return true
	}

	return strings.HasSuffix(mimeType, "+json") || strings.HasSuffix(mimeType, "+xml")
}

// Oracle decides whether a conflict candidate is a false conflict:
// identical content created independently on both sides. It only ever
// downgrades a conflict to a no-op, never the reverse.
type Oracle struct {
	transport Transport
	vault     *vault.Vault
	logger    *slog.Logger
}

// NewOracle creates a content equality oracle.
func NewOracle(transport Transport, v *vault.Vault, logger *slog.Logger) *Oracle {
	return &Oracle{transport: transport, vault: v, logger: logger}
}

// Identical reports whether the local and remote versions of a conflict
// candidate are the same content. Policy, in order, short-circuiting:
//
//   - sizes differ: not identical
//   - both empty: identical
//   - binary MIME type: identical (size equality is accepted as
//     sufficient evidence; hashing would force a full download of
//     every large binary just to compare)
//   - text-like: MD5 digests compared, using the checksum from the
//     remote listing when present and downloading otherwise
//
// Any read or download failure degrades to "not identical", surfacing
// the conflict rather than silently dropping a side.
func (o *Oracle) Identical(ctx context.Context, token string, local vault.Entry, remote RemoteEntry) bool {
	if local.Size != remote.Size {
		return false
	}

	if local.Size == 0 && remote.Size == 0 {
		return true
	}

	if !textLikeMime(remote.MimeType) {
		o.logger.Debug("treating same-size binary as identical",
			slog.String("path", local.Path),
			slog.String("mime_type", remote.MimeType),
		)

		return true
	}

	localContent, err := o.vault.ReadFile(local.Path)
	if err != nil {
		o.logger.Warn("equality check: reading local file",
			slog.String("path", local.Path),
			slog.String("error", err.Error()),
		)

		return false
	}

	localDigest := digest(localContent)

	remoteDigest := remote.MD5
	if remoteDigest == "" {
		content, err := o.transport.DownloadFile(ctx, token, remote.ID)
		if err != nil {
			o.logger.Warn("equality check: downloading remote content",
				slog.String("path", local.Path),
				slog.String("error", err.Error()),
			)

			return false
		}

		remoteDigest = digest(content)
	}

	return localDigest == remoteDigest
}

func digest(content []byte) string {
	h := md5.Sum(content) //nolint:gosec // G401: see package comment on md5 import
	return hex.EncodeToString(h[:])
}
