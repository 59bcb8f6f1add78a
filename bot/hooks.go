package bot

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/gobridge/gitbot/gitlab"
	"github.com/gobridge/gitbot/store"
)

// ProjectHook handles POST /projecthook-event.
func (b *Bot) ProjectHook(w http.ResponseWriter, r *http.Request) {
	if b.webhookSecret != "" {
		token := r.Header.Get("X-Gitlab-Token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(b.webhookSecret)) != 1 {
			b.log.Warn("rejecting project hook event with a bad token")
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
	}

	var ev gitlab.ProjectHookEvent
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&ev); err != nil {
		b.log.Warn("decoding project hook event", zap.Error(err))
		http.Error(w, "invalid event", http.StatusBadRequest)
		return
	}

	log := b.log.With(
		zap.String("object_kind", ev.ObjectKind),
		zap.Int("project_id", ev.Project.ID),
		zap.Int("pipeline_id", ev.ObjectAttributes.ID),
	)

	cfg, err := b.projects.Project(r.Context(), ev.Project.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		log.Debug("ignoring event for a project that isn't connected")
		writeOK(w)
		return
	case err != nil:
		log.Error("loading project config", zap.Error(err))
		writeOK(w)
		return
	}

	if ev.ObjectKind != "pipeline" {
		log.Warn("unexpected project hook event")
		writeOK(w)
		return
	}

	if b.pipelines != nil {
		log = log.With(zap.String("channel_id", cfg.SlackChannelID))
		b.spawn("bot.ProjectHook", log, func(ctx context.Context) {
			b.pipelines.HandlePipeline(ctx, ev, cfg.SlackChannelID)
		})
	}
	writeOK(w)
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, "OK")
}
