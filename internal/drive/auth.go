package drive

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/oauth2"

	"github.com/alexjbarnes/drive-sync/internal/errors"
	"github.com/alexjbarnes/drive-sync/internal/state"
)

// scope grants full access to the remote store. Per-file scoping is not
// usable here: the engine must list and create objects anywhere under
// the configured sync root.
const scope = "https://www.googleapis.com/auth/drive"

// endpoint is the OAuth2 authorization and token endpoint pair for the
// remote store.
var endpoint = oauth2.Endpoint{
	AuthURL:  "https://accounts.google.com/o/oauth2/auth",
	TokenURL: "https://oauth2.googleapis.com/token",
}

// Authenticator is the credential provider: it hands out fresh bearer
// tokens, refreshing through the stored refresh token as needed, and
// runs the one-time authorization code flow. Safe for concurrent use.
type Authenticator struct {
	cfg   *oauth2.Config
	store *state.State

	mu     sync.Mutex
	cached *oauth2.Token
}

// NewAuthenticator creates a credential provider backed by the given
// state store. The redirect follows the out-of-band console flow: the
// user pastes the code back into the terminal.
func NewAuthenticator(clientID, clientSecret string, store *state.State) (*Authenticator, error) {
	if clientID == "" || clientSecret == "" {
		return nil, errors.ErrMissingCredentials
	}

	return &Authenticator{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     endpoint,
			Scopes:       []string{scope},
			RedirectURL:  "urn:ietf:wg:oauth:2.0:oob",
		},
		store: store,
	}, nil
}

// BeginAuthorization returns the URL the user must visit to authorize
// the client. Offline access is requested so a refresh token is issued.
func (a *Authenticator) BeginAuthorization() string {
	return a.cfg.AuthCodeURL("state", oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// ExchangeCode trades an authorization code for a token and persists
// it. Returns the refresh token for display.
func (a *Authenticator) ExchangeCode(ctx context.Context, code string) (string, error) {
	tok, err := a.cfg.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errors.ErrTokenExchange, err)
	}

	if err := a.store.SetToken(tok); err != nil {
		return "", fmt.Errorf("persisting token: %w", err)
	}

	a.mu.Lock()
	a.cached = tok
	a.mu.Unlock()

	return tok.RefreshToken, nil
}

// AccessToken returns a valid bearer token, refreshing and persisting
// as needed. Cheap to call repeatedly: a still-valid token is returned
// from memory without a network round trip.
func (a *Authenticator) AccessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cached == nil {
		tok, err := a.store.Token()
		if err != nil {
			return "", err
		}

		if tok == nil {
			return "", errors.ErrNoToken
		}

		a.cached = tok
	}

	// TokenSource refreshes only when the cached token has expired.
	fresh, err := a.cfg.TokenSource(ctx, a.cached).Token()
	if err != nil {
		return "", fmt.Errorf("refreshing access token: %w", err)
	}

	if fresh.AccessToken != a.cached.AccessToken {
		// Preserve the refresh token: the token endpoint may omit it on
		// refresh responses.
		if fresh.RefreshToken == "" {
			fresh.RefreshToken = a.cached.RefreshToken
		}

		a.cached = fresh

		if err := a.store.SetToken(fresh); err != nil {
			return "", fmt.Errorf("persisting refreshed token: %w", err)
		}
	}

	return a.cached.AccessToken, nil
}
