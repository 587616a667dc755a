package drive

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/drive-sync/internal/errors"
)

// FolderMimeType marks a remote object as a folder. Folders have no
// content; hierarchy exists only as parent-child edges between objects.
const FolderMimeType = "application/vnd.google-apps.folder"

const (
	defaultBaseURL   = "https://www.googleapis.com/drive/v3"
	defaultUploadURL = "https://www.googleapis.com/upload/drive/v3"

	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxMetadataResponseBytes caps metadata response body reads.
	// Listings are paginated and individual objects are small.
	maxMetadataResponseBytes = 4 * 1024 * 1024

	// listPageSize is the page size requested from the files listing.
	listPageSize = 1000
)

// TransientError wraps an error that is likely temporary and safe to
// retry on the next run: rate limiting, gateway trouble, network
// failures.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return stderrors.As(err, &te)
}

// Object is the remote store's view of a single object, folder or file.
type Object struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	MimeType     string   `json:"mimeType"`
	Parents      []string `json:"parents,omitempty"`
	Size         int64    `json:"size,string,omitempty"`
	MD5Checksum  string   `json:"md5Checksum,omitempty"`
	ModifiedTime string   `json:"modifiedTime,omitempty"`
}

// MTime returns the object's modification time in epoch milliseconds.
// A missing or unparseable timestamp returns -1: callers must read that
// as "changed", never as old enough to delete or overwrite safely.
func (o Object) MTime() int64 {
	if o.ModifiedTime == "" {
		return -1
	}

	t, err := time.Parse(time.RFC3339, o.ModifiedTime)
	if err != nil {
		return -1
	}

	return t.UnixMilli()
}

// IsFolder reports whether the object is a folder.
func (o Object) IsFolder() bool {
	return o.MimeType == FolderMimeType
}

// Client talks to the remote object store's REST API. Every call takes
// a bearer token; the client holds no credentials of its own.
type Client struct {
	httpClient *http.Client
	baseURL    string
	uploadURL  string
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURLs overrides the API and upload endpoints. Used by tests to
// point the client at an httptest server.
func WithBaseURLs(base, upload string) Option {
	return func(c *Client) {
		c.baseURL = base
		c.uploadURL = upload
	}
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so the bearer token never leaks to
// a third-party domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return stderrors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates a transport client. If httpClient is nil, a client
// with a 30-second timeout and same-host redirect policy is created.
func NewClient(httpClient *http.Client, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	c := &Client{
		httpClient: httpClient,
		baseURL:    defaultBaseURL,
		uploadURL:  defaultUploadURL,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// apiError converts a non-2xx response into an error. 404 and 403 map
// to distinct sentinels so callers can produce specific messages; rate
// limiting and server-side failures come back transient.
func apiError(op string, status int, body []byte) error {
	msg := gjson.GetBytes(body, "error.message").Str
	if msg == "" {
		msg = strings.TrimSpace(string(body))
		if len(msg) > 256 {
			msg = msg[:256]
		}
	}

	switch status {
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w (%s)", op, errors.ErrRemoteNotFound, msg)
	case http.StatusForbidden:
		return fmt.Errorf("%s: %w (%s)", op, errors.ErrRemoteForbidden, msg)
	}

	err := fmt.Errorf("%s: remote API returned status %d: %s", op, status, msg)
	if isTransientStatus(status) {
		return &TransientError{Err: err}
	}

	return err
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying on a later run.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// do executes a request with the bearer token set and returns the
// response body. Network errors are transient by nature. The caller
// owns the op string used in error context.
func (c *Client) do(req *http.Request, token, op string, maxBytes int64) ([]byte, error) {
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("%s: sending request: %w", op, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: reading response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apiError(op, resp.StatusCode, body)
	}

	return body, nil
}

// listPage is one page of a children listing.
type listPage struct {
	NextPageToken string   `json:"nextPageToken"`
	Files         []Object `json:"files"`
}

// ListChildren returns the direct children of a folder, following
// pagination until the listing is complete. Trashed objects are
// excluded.
func (c *Client) ListChildren(ctx context.Context, token, folderID string) ([]Object, error) {
	op := fmt.Sprintf("listing children of %s", folderID)

	var all []Object

	pageToken := ""

	for {
		q := url.Values{}
		q.Set("q", fmt.Sprintf("'%s' in parents and trashed = false", folderID))
		q.Set("fields", "nextPageToken, files(id, name, mimeType, parents, size, md5Checksum, modifiedTime)")
		q.Set("pageSize", fmt.Sprint(listPageSize))

		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/files?"+q.Encode(), nil)
		if err != nil {
			return nil, fmt.Errorf("%s: creating request: %w", op, err)
		}

		body, err := c.do(req, token, op, maxMetadataResponseBytes)
		if err != nil {
			return nil, err
		}

		var page listPage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("%s: decoding response: %w", op, err)
		}

		all = append(all, page.Files...)

		if page.NextPageToken == "" {
			return all, nil
		}

		pageToken = page.NextPageToken
	}
}

// GetMetadata returns the metadata of a single object.
func (c *Client) GetMetadata(ctx context.Context, token, id string) (*Object, error) {
	op := fmt.Sprintf("getting metadata for %s", id)

	q := url.Values{}
	q.Set("fields", "id, name, mimeType, parents, size, md5Checksum, modifiedTime")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/files/"+url.PathEscape(id)+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%s: creating request: %w", op, err)
	}

	body, err := c.do(req, token, op, maxMetadataResponseBytes)
	if err != nil {
		return nil, err
	}

	var obj Object
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("%s: decoding response: %w", op, err)
	}

	return &obj, nil
}

// CreateFile uploads a new file under parentID using a multipart
// request carrying metadata and media in one round trip. Returns the
// new object's id.
func (c *Client) CreateFile(ctx context.Context, token, parentID, name, mimeType string, content []byte) (string, error) {
	op := fmt.Sprintf("creating file %s", name)

	meta := map[string]any{
		"name":    name,
		"parents": []string{parentID},
	}
	if mimeType != "" {
		meta["mimeType"] = mimeType
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("%s: marshalling metadata: %w", op, err)
	}

	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)

	metaHeader := textproto.MIMEHeader{}
	metaHeader.Set("Content-Type", "application/json; charset=UTF-8")

	part, err := mw.CreatePart(metaHeader)
	if err != nil {
		return "", fmt.Errorf("%s: creating metadata part: %w", op, err)
	}

	if _, err := part.Write(metaJSON); err != nil {
		return "", fmt.Errorf("%s: writing metadata part: %w", op, err)
	}

	mediaHeader := textproto.MIMEHeader{}
	if mimeType != "" {
		mediaHeader.Set("Content-Type", mimeType)
	} else {
		mediaHeader.Set("Content-Type", "application/octet-stream")
	}

	part, err = mw.CreatePart(mediaHeader)
	if err != nil {
		return "", fmt.Errorf("%s: creating media part: %w", op, err)
	}

	if _, err := part.Write(content); err != nil {
		return "", fmt.Errorf("%s: writing media part: %w", op, err)
	}

	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("%s: finalizing multipart body: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL+"/files?uploadType=multipart&fields=id", &buf)
	if err != nil {
		return "", fmt.Errorf("%s: creating request: %w", op, err)
	}

	req.Header.Set("Content-Type", "multipart/related; boundary="+mw.Boundary())

	body, err := c.do(req, token, op, maxMetadataResponseBytes)
	if err != nil {
		return "", err
	}

	var obj Object
	if err := json.Unmarshal(body, &obj); err != nil {
		return "", fmt.Errorf("%s: decoding response: %w", op, err)
	}

	if obj.ID == "" {
		return "", fmt.Errorf("%s: remote store returned no object id", op)
	}

	return obj.ID, nil
}

// UpdateFile replaces the content of an existing object in place. The
// object id, name, and parentage are unchanged.
func (c *Client) UpdateFile(ctx context.Context, token, id string, content []byte) error {
	op := fmt.Sprintf("updating file %s", id)

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.uploadURL+"/files/"+url.PathEscape(id)+"?uploadType=media", bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("%s: creating request: %w", op, err)
	}

	req.Header.Set("Content-Type", "application/octet-stream")

	_, err = c.do(req, token, op, maxMetadataResponseBytes)

	return err
}

// DownloadFile fetches an object's content. No size cap: file content
// is the payload being synced.
func (c *Client) DownloadFile(ctx context.Context, token, id string) ([]byte, error) {
	op := fmt.Sprintf("downloading file %s", id)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/files/"+url.PathEscape(id)+"?alt=media", nil)
	if err != nil {
		return nil, fmt.Errorf("%s: creating request: %w", op, err)
	}

	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("%s: sending request: %w", op, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxMetadataResponseBytes))
		return nil, apiError(op, resp.StatusCode, body)
	}

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: reading content: %w", op, err)
	}

	return content, nil
}

// DeleteFile permanently removes an object.
func (c *Client) DeleteFile(ctx context.Context, token, id string) error {
	op := fmt.Sprintf("deleting file %s", id)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/files/"+url.PathEscape(id), nil)
	if err != nil {
		return fmt.Errorf("%s: creating request: %w", op, err)
	}

	_, err = c.do(req, token, op, maxMetadataResponseBytes)

	return err
}

// CreateFolder creates an empty folder object under parentID and
// returns its id.
func (c *Client) CreateFolder(ctx context.Context, token, parentID, name string) (string, error) {
	op := fmt.Sprintf("creating folder %s", name)

	meta := map[string]any{
		"name":     name,
		"mimeType": FolderMimeType,
		"parents":  []string{parentID},
	}

	payload, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("%s: marshalling metadata: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files?fields=id", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%s: creating request: %w", op, err)
	}

	req.Header.Set("Content-Type", "application/json; charset=UTF-8")

	body, err := c.do(req, token, op, maxMetadataResponseBytes)
	if err != nil {
		return "", err
	}

	var obj Object
	if err := json.Unmarshal(body, &obj); err != nil {
		return "", fmt.Errorf("%s: decoding response: %w", op, err)
	}

	if obj.ID == "" {
		return "", fmt.Errorf("%s: remote store returned no object id", op)
	}

	return obj.ID, nil
}
