package mcp

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// OAuthConfig declares the authorization code flow for a remote server.
type OAuthConfig struct {
	ClientID     string   `json:"clientId" yaml:"client_id"`
	ClientSecret string   `json:"-" yaml:"client_secret"`
	AuthURL      string   `json:"authUrl" yaml:"auth_url"`
	TokenURL     string   `json:"tokenUrl" yaml:"token_url"`
	RedirectURL  string   `json:"redirectUrl" yaml:"redirect_url"`
	Scopes       []string `json:"scopes,omitempty" yaml:"scopes,omitempty"`
}

func (c *OAuthConfig) endpoint() oauth2.Config {
	return oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURL,
		Scopes:       c.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.AuthURL,
			TokenURL: c.TokenURL,
		},
	}
}

// TokenStore persists OAuth tokens per server.
type TokenStore interface {
	Token(serverID string) (*oauth2.Token, error)
	Save(serverID string, token *oauth2.Token) error
}

// MemoryTokenStore keeps tokens in memory for the process lifetime.
type MemoryTokenStore struct {
	mu     sync.Mutex
	tokens map[string]*oauth2.Token
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]*oauth2.Token)}
}

func (s *MemoryTokenStore) Token(serverID string) (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[serverID], nil
}

func (s *MemoryTokenStore) Save(serverID string, token *oauth2.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[serverID] = token
	return nil
}

// pendingAuth is one outstanding redirect awaiting its callback code.
type pendingAuth struct {
	serverID string
	verifier string
	code     chan string
}

// OAuthFlow acquires tokens for remote servers. When no stored token can be
// used it sends the user through the provider's redirect and blocks until
// CompleteAuthorization delivers the code, or the context is cancelled.
type OAuthFlow struct {
	store TokenStore

	mu      sync.Mutex
	pending map[string]*pendingAuth
}

// NewOAuthFlow creates a flow backed by the given store. A nil store uses an
// in-memory one.
func NewOAuthFlow(store TokenStore) *OAuthFlow {
	if store == nil {
		store = NewMemoryTokenStore()
	}
	return &OAuthFlow{
		store:   store,
		pending: make(map[string]*pendingAuth),
	}
}

// Token returns a valid access token for the server, refreshing or running
// the authorization code flow as needed.
func (f *OAuthFlow) Token(ctx context.Context, serverID string, cfg *OAuthConfig, auth AuthProvider) (*oauth2.Token, error) {
	conf := cfg.endpoint()

	if stored, err := f.store.Token(serverID); err == nil && stored != nil {
		// TokenSource refreshes transparently when a refresh token exists.
		tok, err := conf.TokenSource(ctx, stored).Token()
		if err == nil {
			if tok.AccessToken != stored.AccessToken {
				_ = f.store.Save(serverID, tok)
			}
			return tok, nil
		}
	}

	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()

	p := &pendingAuth{
		serverID: serverID,
		verifier: verifier,
		code:     make(chan string, 1),
	}
	f.mu.Lock()
	f.pending[state] = p
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.pending, state)
		f.mu.Unlock()
	}()

	authURL := conf.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
	)
	if auth == nil {
		return nil, fmt.Errorf("server %s requires authorization but no provider is configured", serverID)
	}
	if err := auth.RedirectToAuthorization(ctx, authURL); err != nil {
		return nil, fmt.Errorf("authorization redirect failed: %w", err)
	}

	select {
	case code := <-p.code:
		tok, err := conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
		if err != nil {
			return nil, fmt.Errorf("code exchange failed: %w", err)
		}
		if err := f.store.Save(serverID, tok); err != nil {
			return nil, fmt.Errorf("persisting token failed: %w", err)
		}
		return tok, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CompleteAuthorization delivers the authorization code for an outstanding
// redirect, matched by state.
func (f *OAuthFlow) CompleteAuthorization(state, code string) error {
	f.mu.Lock()
	p, ok := f.pending[state]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending authorization for state %q", state)
	}
	select {
	case p.code <- code:
		return nil
	default:
		return fmt.Errorf("authorization for state %q already completed", state)
	}
}
