package handlers

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/http"

	"github.com/slack-go/slack"
	"go.opencensus.io/trace"
	"go.uber.org/zap"

	"github.com/gobridge/gitbot/bot"
	"github.com/gobridge/gitbot/store"
)

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head><title>gitbot</title></head>
<body>
<h1>{{.Title}}</h1>
<p>{{.Text}}</p>
</body>
</html>
`))

type page struct {
	Title string
	Text  string
}

func renderPage(w http.ResponseWriter, p page) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	pageTemplate.Execute(w, p)
}

var authFailure = page{
	Title: "Authentication Failure",
	Text:  "There was an error. Please check the logs.",
}

// ResponderFunc returns a Responder posting to a response_url.
type ResponderFunc func(responseURL string) bot.Responder

// GitLabOAuthRedirect serves GET /gitlab-oauth-redirect. It completes the
// sign in started by Login and links the Slack user to the GitLab account.
func GitLabOAuthRedirect(states store.StateStore, users store.UserStore, oauth OAuth, gl GitLab, respond ResponderFunc, command string, log *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := trace.StartSpan(r.Context(), "handlers.GitLabOAuthRedirect")
		defer span.End()

		q := r.URL.Query()
		state, err := states.TakeState(ctx, q.Get("state"))
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("sign in with an unknown or expired state")
			renderPage(w, page{
				Title: "Authentication Failure",
				Text:  fmt.Sprintf("This sign in link has expired or was already used. Run %s login again.", command),
			})
			return
		}
		if err != nil {
			log.Error("loading sign in state", zap.Error(err))
			renderPage(w, authFailure)
			return
		}
		log := log.With(zap.String("user_id", state.SlackUserID))

		gitLabUserID, err := completeSignIn(ctx, oauth, gl, users, state.SlackUserID, q.Get("code"))
		if err != nil {
			log.Error("completing sign in", zap.Error(err))
			renderPage(w, authFailure)
			return
		}
		log.Info("signed in to gitlab", zap.Int("gitlab_user_id", gitLabUserID))

		if state.ResponseURL != "" && respond != nil {
			err := respond(state.ResponseURL).ReplaceOriginal(ctx, "You are now signed in to GitLab.")
			if err != nil {
				log.Warn("posting sign in confirmation", zap.Error(err))
			}
		}

		renderPage(w, page{
			Title: "Authentication Success",
			Text:  fmt.Sprintf("You are now authenticated with GitLab. You can now use other %s slash commands.", command),
		})
	})
}

func completeSignIn(ctx context.Context, oauth OAuth, gl GitLab, users store.UserStore, slackUserID, code string) (int, error) {
	if code == "" {
		return 0, errors.New("missing authorization code")
	}

	tok, err := oauth.Exchange(ctx, code)
	if err != nil {
		return 0, err
	}

	me, err := gl.CurrentUser(ctx, tok.AccessToken)
	if err != nil {
		return 0, fmt.Errorf("looking up gitlab user: %w", err)
	}

	err = users.PutUser(ctx, store.User{
		SlackUserID:  slackUserID,
		GitLabUserID: me.ID,
		RefreshToken: tok.RefreshToken,
	})
	if err != nil {
		return 0, fmt.Errorf("saving user: %w", err)
	}
	return me.ID, nil
}

// SlackInstaller exchanges the code of a Slack app installation.
type SlackInstaller func(ctx context.Context, code string) (*slack.OAuthV2Response, error)

// NewSlackInstaller returns a SlackInstaller calling oauth.v2.access.
func NewSlackInstaller(c *http.Client, clientID, clientSecret, redirectURL string) SlackInstaller {
	return func(ctx context.Context, code string) (*slack.OAuthV2Response, error) {
		return slack.GetOAuthV2ResponseContext(ctx, c, clientID, clientSecret, code, redirectURL)
	}
}

// SlackOAuthRedirect serves GET /slack-oauth-redirect, the last step of
// installing the app in a workspace.
func SlackOAuthRedirect(install SlackInstaller, log *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := trace.StartSpan(r.Context(), "handlers.SlackOAuthRedirect")
		defer span.End()

		code := r.URL.Query().Get("code")
		if code == "" {
			log.Warn("slack install redirect without a code")
			renderPage(w, authFailure)
			return
		}

		resp, err := install(ctx, code)
		if err != nil {
			log.Error("exchanging slack install code", zap.Error(err))
			renderPage(w, authFailure)
			return
		}

		log.Info("installed in workspace", zap.String("team_id", resp.Team.ID), zap.String("team", resp.Team.Name))
		renderPage(w, page{
			Title: "Installation Success",
			Text:  "Successfully installed gitbot in workspace " + resp.Team.Name,
		})
	})
}
