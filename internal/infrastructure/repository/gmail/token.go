package gmail

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"
)

// Authenticator runs the one-time OAuth consent flow for the CLI: print the
// auth URL, exchange the pasted code, cache the token next to the config.
type Authenticator struct {
	config    *oauth2.Config
	tokenPath string
}

func NewAuthenticator(credentialsPath, tokenPath string) (*Authenticator, error) {
	config, err := loadOAuthConfig(credentialsPath)
	if err != nil {
		return nil, err
	}
	return &Authenticator{config: config, tokenPath: tokenPath}, nil
}

// AuthURL returns the consent URL the user opens in a browser.
func (a *Authenticator) AuthURL() string {
	return a.config.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
}

// Exchange trades the authorization code for a token and caches it.
func (a *Authenticator) Exchange(ctx context.Context, code string) error {
	token, err := a.config.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("failed to exchange code: %w", err)
	}
	return saveToken(a.tokenPath, token)
}

func loadToken(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	token := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(token); err != nil {
		return nil, fmt.Errorf("decoding token file %s: %w", path, err)
	}
	return token, nil
}

func saveToken(path string, token *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating token file: %w", err)
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(token); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	return nil
}
