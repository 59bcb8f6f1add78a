package gitlab

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

// OAuth performs the GitLab OAuth2 authorization code flow.
type OAuth struct {
	cfg  oauth2.Config
	http *http.Client
}

// NewOAuth constructs an *OAuth for the application clientID on the instance
// at baseURL.
func NewOAuth(c *http.Client, baseURL, clientID, clientSecret, redirectURL string, scopes []string) *OAuth {
	return &OAuth{
		cfg: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   baseURL + "/oauth/authorize",
				TokenURL:  baseURL + "/oauth/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		http: c,
	}
}

// AuthCodeURL is the sign in URL carrying state back to the redirect.
func (o *OAuth) AuthCodeURL(state string) string {
	return o.cfg.AuthCodeURL(state)
}

// Exchange trades an authorization code for a token.
func (o *OAuth) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := o.cfg.Exchange(o.context(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}
	return tok, nil
}

// Refresh trades a refresh token for a new access token. GitLab rotates
// refresh tokens, the returned token carries the one to keep.
func (o *OAuth) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	tok, err := o.cfg.TokenSource(o.context(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	return tok, nil
}

func (o *OAuth) context(ctx context.Context) context.Context {
	if o.http == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, o.http)
}
