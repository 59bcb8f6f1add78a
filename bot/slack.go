package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/gobridge/gitbot/dsl"
)

// maxBodySize bounds request bodies read by the endpoints.
const maxBodySize = 1 << 20

// verify checks the Slack signature of r and returns its body.
func (b *Bot) verify(r *http.Request) ([]byte, error) {
	sv, err := slack.NewSecretsVerifier(r.Header, b.signingSecret)
	if err != nil {
		return nil, fmt.Errorf("reading signature headers: %w", err)
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if _, err := sv.Write(body); err != nil {
		return nil, err
	}
	if err := sv.Ensure(); err != nil {
		return nil, err
	}

	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// SlashCommand handles POST /slash-command.
func (b *Bot) SlashCommand(w http.ResponseWriter, r *http.Request) {
	if _, err := b.verify(r); err != nil {
		b.log.Warn("rejecting slash command", zap.Error(err))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	sc, err := slack.SlashCommandParse(r)
	if err != nil {
		b.log.Warn("parsing slash command", zap.Error(err))
		http.Error(w, "invalid slash command", http.StatusBadRequest)
		return
	}

	cmd, err := dsl.Parse(sc.Text)
	if err != nil {
		cmd = dsl.Help{}
	}

	log := b.log.With(
		zap.String("command", cmd.String()),
		zap.String("user_id", sc.UserID),
		zap.String("channel_id", sc.ChannelID),
	)
	if err != nil {
		log.Debug("falling back to help", zap.String("text", sc.Text), zap.Error(err))
	}

	writeJSON(w, Markdown("Working on that..."))

	handler := b.handlers.For(cmd)
	if handler == nil {
		log.Error("no handler configured")
		return
	}
	m := Message{Command: cmd, Slash: sc}
	rs := b.Responder(sc.ResponseURL)
	b.spawn("bot.SlashCommand", log, func(ctx context.Context) {
		handler.Handle(ctx, m, rs)
	})
}

// Interactive handles POST /interactive-endpoint.
func (b *Bot) Interactive(w http.ResponseWriter, r *http.Request) {
	body, err := b.verify(r)
	if err != nil {
		b.log.Warn("rejecting interaction", zap.Error(err))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		b.log.Warn("parsing interaction form", zap.Error(err))
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	var cb slack.InteractionCallback
	if err := json.Unmarshal([]byte(form.Get("payload")), &cb); err != nil {
		b.log.Warn("decoding interaction payload", zap.Error(err))
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	for _, ba := range cb.ActionCallback.BlockActions {
		if ba == nil {
			continue
		}
		log := b.log.With(
			zap.String("action_id", ba.ActionID),
			zap.String("user_id", cb.User.ID),
		)

		h, ok := b.actions[ba.ActionID]
		if !ok {
			// link buttons such as the sign in button also report here
			log.Debug("ignoring action")
			continue
		}

		a := Action{Callback: cb, Block: *ba}
		rs := b.Responder(cb.ResponseURL)
		b.spawn("bot.Interactive", log, func(ctx context.Context) {
			h.HandleAction(ctx, a, rs)
		})
	}

	writeJSON(w, map[string]string{"msg": "ok"})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
