package handlers

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"github.com/slack-go/slack"
	"go.opencensus.io/trace"
	"go.uber.org/zap"

	"github.com/gobridge/gitbot/bot"
	"github.com/gobridge/gitbot/store"
)

const signInText = "Sign in to GitLab"

// newNonce returns 16 random bytes hex encoded.
func newNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Login responds with a button that signs the user in to GitLab. The nonce
// in the OAuth state lets the redirect find the user and the response_url.
func Login(states store.StateStore, oauth OAuth, log *zap.Logger) bot.Handler {
	return bot.HandlerFunc(func(ctx context.Context, m bot.Message, r bot.Responder) {
		ctx, span := trace.StartSpan(ctx, "handlers.Login")
		defer span.End()

		nonce, err := newNonce()
		if err != nil {
			log.Error("generating nonce", zap.Error(err))
			r.Respond(ctx, errorText)
			return
		}

		err = states.PutState(ctx, store.State{
			Nonce:       nonce,
			SlackUserID: m.Slash.UserID,
			ResponseURL: m.Slash.ResponseURL,
		})
		if err != nil {
			log.Error("saving login state", zap.Error(err))
			r.Respond(ctx, errorText)
			return
		}

		if err := r.RespondWithBlocks(ctx, signInMessage(oauth.AuthCodeURL(nonce))); err != nil {
			log.Error("posting sign in button", zap.Error(err))
		}
	})
}

func signInMessage(url string) slack.WebhookMessage {
	header := slack.NewSectionBlock(nil, []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.PlainTextType, signInText, false, false),
	}, nil)

	button := slack.NewButtonBlockElement("gitLabSignInButton", "", slack.NewTextBlockObject(slack.PlainTextType, signInText, false, false))
	button.URL = url
	button.Style = slack.StylePrimary

	return slack.WebhookMessage{
		Text: signInText,
		Blocks: &slack.Blocks{BlockSet: []slack.Block{
			header,
			slack.NewActionBlock("signInButton", button),
		}},
	}
}
