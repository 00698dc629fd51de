// ABOUTME: PKCE authorization-code flow built on golang.org/x/oauth2.
// ABOUTME: Includes authorization-server metadata discovery over well-known URLs.

package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// ErrStateMismatch means the redirect carried a state value this flow did not issue.
var ErrStateMismatch = errors.New("oauth state mismatch")

// AuthServerMetadata is the authorization server's advertised configuration.
type AuthServerMetadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	RegistrationEndpoint          string   `json:"registration_endpoint,omitempty"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// DiscoverMetadata fetches authorization-server metadata from the issuer's
// well-known endpoint.
func DiscoverMetadata(ctx context.Context, issuer string) (*AuthServerMetadata, error) {
	url := strings.TrimRight(issuer, "/") + "/.well-known/oauth-authorization-server"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building metadata request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata endpoint returned %s", resp.Status)
	}

	var meta AuthServerMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	if meta.AuthorizationEndpoint == "" || meta.TokenEndpoint == "" {
		return nil, errors.New("metadata missing authorization or token endpoint")
	}
	return &meta, nil
}

// Flow is one PKCE authorization attempt against a single server.
type Flow struct {
	config   oauth2.Config
	verifier string
	state    string
}

// NewFlow builds a flow for the given server metadata and client credentials.
// redirectURL is typically Listener.RedirectURL.
func NewFlow(meta *AuthServerMetadata, clientID, clientSecret, redirectURL string, scopes []string) *Flow {
	return &Flow{
		config: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  meta.AuthorizationEndpoint,
				TokenURL: meta.TokenEndpoint,
			},
		},
		verifier: oauth2.GenerateVerifier(),
		state:    uuid.New().String(),
	}
}

// AuthURL returns the URL the user must open to grant authorization.
func (f *Flow) AuthURL() string {
	return f.config.AuthCodeURL(f.state, oauth2.S256ChallengeOption(f.verifier))
}

// State returns the anti-forgery state value bound to this flow.
func (f *Flow) State() string {
	return f.state
}

// Exchange validates the callback result against this flow and redeems the
// authorization code for tokens.
func (f *Flow) Exchange(ctx context.Context, result CallbackResult) (*oauth2.Token, error) {
	if result.State != f.state {
		return nil, ErrStateMismatch
	}
	tok, err := f.config.Exchange(ctx, result.Code, oauth2.VerifierOption(f.verifier))
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}
	return tok, nil
}
