package handlers

import (
	"context"
	"fmt"
	"strconv"

	"go.opencensus.io/trace"
	"go.uber.org/zap"

	"github.com/gobridge/gitbot/bot"
	"github.com/gobridge/gitbot/dsl"
	"github.com/gobridge/gitbot/gitlab"
	"github.com/gobridge/gitbot/store"
)

// ProjectConnect connects a GitLab project to the channel the command was run
// in. It makes sure the project has a hook posting pipeline events to hookURL
// and records which channel should receive them.
func ProjectConnect(gl GitLab, projects store.ProjectStore, hookURL, webhookSecret string, log *zap.Logger) bot.Handler {
	return bot.HandlerFunc(func(ctx context.Context, m bot.Message, r bot.Responder) {
		ctx, span := trace.StartSpan(ctx, "handlers.ProjectConnect")
		defer span.End()

		cmd, ok := m.Command.(dsl.ProjectConnect)
		if !ok {
			log.Error("unexpected command", zap.Stringer("command", m.Command))
			return
		}
		log := log.With(zap.String("identifier", cmd.Identifier))

		project, found, err := findProject(ctx, gl, cmd.Identifier, r)
		if err != nil {
			log.Error("finding project", zap.Error(err))
			r.Respond(ctx, errorText)
			return
		}
		if !found {
			return
		}
		log = log.With(zap.Int("project_id", project.ID))

		link := fmt.Sprintf("<%s|%s (id %d)>", project.WebURL, project.Name, project.ID)
		r.ReplaceOriginal(ctx, "Connecting project "+link+"...")

		if err := ensureHook(ctx, gl, project.ID, hookURL, webhookSecret); err != nil {
			log.Error("configuring project hook", zap.Error(err))
			r.Respond(ctx, errorText)
			return
		}

		err = projects.PutProject(ctx, store.ProjectConfig{
			ProjectID:      project.ID,
			SlackChannelID: m.Slash.ChannelID,
		})
		if err != nil {
			log.Error("saving project config", zap.Error(err))
			r.Respond(ctx, errorText)
			return
		}

		log.Info("project connected", zap.String("channel_id", m.Slash.ChannelID))
		r.RespondInChannel(ctx, "Project "+link+" successfully connected for blocked pipeline events.")
	})
}

// findProject resolves a numeric id or an exact project name. When the name
// matches no project or several, the user is told and found is false.
func findProject(ctx context.Context, gl GitLab, identifier string, r bot.Responder) (p gitlab.Project, found bool, err error) {
	if id, err := strconv.Atoi(identifier); err == nil {
		p, err := gl.Project(ctx, id)
		if err != nil {
			return p, false, err
		}
		return p, true, nil
	}

	matches, err := gl.SearchProjects(ctx, identifier)
	if err != nil {
		return p, false, err
	}
	switch len(matches) {
	case 0:
		r.Respond(ctx, fmt.Sprintf("Can't find project with name %q, please use project id instead", identifier))
		return p, false, nil
	case 1:
		return matches[0], true, nil
	default:
		r.Respond(ctx, fmt.Sprintf("Found more than one project with name %q, please use project id instead", identifier))
		return p, false, nil
	}
}

// ensureHook enables pipeline events on the hooks pointing at hookURL, or
// creates one when there are none.
func ensureHook(ctx context.Context, gl GitLab, projectID int, hookURL, token string) error {
	hooks, err := gl.ProjectHooks(ctx, projectID)
	if err != nil {
		return fmt.Errorf("listing hooks: %w", err)
	}

	var ours int
	for _, h := range hooks {
		if h.URL != hookURL {
			continue
		}
		ours++
		if h.PipelineEvents && token == "" {
			continue
		}
		h.PipelineEvents = true
		h.Token = token
		if _, err := gl.EditProjectHook(ctx, projectID, h); err != nil {
			return fmt.Errorf("editing hook %d: %w", h.ID, err)
		}
	}
	if ours > 0 {
		return nil
	}

	_, err = gl.AddProjectHook(ctx, projectID, gitlab.ProjectHook{
		URL:                   hookURL,
		Token:                 token,
		PipelineEvents:        true,
		EnableSSLVerification: true,
	})
	if err != nil {
		return fmt.Errorf("adding hook: %w", err)
	}
	return nil
}
