package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/oauth2"

	"github.com/gobridge/gitbot/bot"
	"github.com/gobridge/gitbot/gitlab"
	"github.com/gobridge/gitbot/store"
)

func TestGitLabOAuthRedirect(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		page      string
		responses []string
		user      *store.User
	}{
		{
			name:      "signed in",
			query:     "?state=nonce-1&code=code-1",
			page:      "Authentication Success",
			responses: []string{"replace: You are now signed in to GitLab."},
			user:      &store.User{SlackUserID: "U123", GitLabUserID: 11, RefreshToken: "refresh-1"},
		},
		{
			name:  "unknown state",
			query: "?state=nonce-2&code=code-1",
			page:  "This sign in link has expired or was already used. Run /gitbot login again.",
		},
		{
			name:  "bad code",
			query: "?state=nonce-1&code=code-2",
			page:  "Authentication Failure",
		},
		{
			name:  "missing code",
			query: "?state=nonce-1",
			page:  "Authentication Failure",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := store.NewMemory(store.Options{})
			require.NoError(t, s.PutState(ctx, store.State{
				Nonce:       "nonce-1",
				SlackUserID: "U123",
				ResponseURL: "https://hooks.slack.com/commands/T1/1/abc",
			}))

			gl := newFakeGitLab()
			gl.currentUser["access-1"] = gitlab.User{ID: 11, Username: "ada"}
			oauth := &fakeOAuth{codes: map[string]*oauth2.Token{
				"code-1": {AccessToken: "access-1", RefreshToken: "refresh-1"},
			}}

			r := &fakeResponder{}
			var responseURL string
			respond := func(u string) bot.Responder {
				responseURL = u
				return r
			}

			h := GitLabOAuthRedirect(s, s, oauth, gl, respond, "/gitbot", zaptest.NewLogger(t))
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/gitlab-oauth-redirect"+tt.query, nil))

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Contains(t, w.Body.String(), tt.page)
			assert.Equal(t, tt.responses, r.texts())

			u, err := s.User(ctx, "U123")
			if tt.user == nil {
				assert.ErrorIs(t, err, store.ErrNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.user.GitLabUserID, u.GitLabUserID)
			assert.Equal(t, tt.user.RefreshToken, u.RefreshToken)
			assert.Equal(t, "https://hooks.slack.com/commands/T1/1/abc", responseURL)

			// a state is only good for one sign in
			w = httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/gitlab-oauth-redirect"+tt.query, nil))
			assert.Contains(t, w.Body.String(), "expired or was already used")
		})
	}
}

func TestSlackOAuthRedirect(t *testing.T) {
	install := func(ctx context.Context, code string) (*slack.OAuthV2Response, error) {
		if code != "good" {
			return nil, errors.New("invalid_code")
		}
		resp := &slack.OAuthV2Response{}
		resp.Team.ID = "T1"
		resp.Team.Name = "Acme & Co"
		return resp, nil
	}
	h := SlackOAuthRedirect(install, zaptest.NewLogger(t))

	tests := []struct {
		query string
		page  string
	}{
		{query: "?code=good", page: "Successfully installed gitbot in workspace Acme &amp; Co"},
		{query: "?code=bad", page: "Authentication Failure"},
		{query: "", page: "Authentication Failure"},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/slack-oauth-redirect"+tt.query, nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))
		assert.Contains(t, w.Body.String(), tt.page)
	}
}
