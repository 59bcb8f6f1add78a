package handlers

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.opencensus.io/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gobridge/gitbot/bot"
	"github.com/gobridge/gitbot/gitlab"
	"github.com/gobridge/gitbot/store"
)

// maxLookups bounds concurrent GitLab calls made by a single handler.
const maxLookups = 8

// Status lists the signed in users and the connected projects.
func Status(gl GitLab, users store.UserStore, projects store.ProjectStore, log *zap.Logger) bot.Handler {
	return bot.HandlerFunc(func(ctx context.Context, m bot.Message, r bot.Responder) {
		ctx, span := trace.StartSpan(ctx, "handlers.Status")
		defer span.End()

		msg, err := statusMessage(ctx, gl, users, projects)
		if err != nil {
			log.Error("building status", zap.Error(err))
			r.Respond(ctx, errorText)
			return
		}
		if err := r.RespondWithBlocks(ctx, msg); err != nil {
			log.Error("posting status", zap.Error(err))
		}
	})
}

func statusMessage(ctx context.Context, gl GitLab, users store.UserStore, projects store.ProjectStore) (slack.WebhookMessage, error) {
	us, err := users.Users(ctx)
	if err != nil {
		return slack.WebhookMessage{}, fmt.Errorf("listing users: %w", err)
	}
	ps, err := projects.Projects(ctx)
	if err != nil {
		return slack.WebhookMessage{}, fmt.Errorf("listing projects: %w", err)
	}

	glUsers := make([]gitlab.User, len(us))
	glProjects := make([]gitlab.Project, len(ps))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxLookups)
	for i, u := range us {
		g.Go(func() error {
			gu, err := gl.User(gctx, u.GitLabUserID)
			if err != nil {
				return fmt.Errorf("looking up gitlab user %d: %w", u.GitLabUserID, err)
			}
			glUsers[i] = gu
			return nil
		})
	}
	for i, p := range ps {
		g.Go(func() error {
			gp, err := gl.Project(gctx, p.ProjectID)
			if err != nil {
				return fmt.Errorf("looking up project %d: %w", p.ProjectID, err)
			}
			glProjects[i] = gp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return slack.WebhookMessage{}, err
	}

	blocks := []slack.Block{
		slack.NewDividerBlock(),
		bot.MarkdownSection("Gitbot status"),
		slack.NewDividerBlock(),
		bot.MarkdownSection("Logged in users:"),
	}
	for i, u := range us {
		gu := glUsers[i]
		text := fmt.Sprintf("<@%s> logged in as GitLab user <%s|%s>", u.SlackUserID, gu.WebURL, gu.Name)
		blocks = append(blocks, imageSection(text, gu.AvatarURL, gu.Name))
	}

	blocks = append(blocks, slack.NewDividerBlock(), bot.MarkdownSection("Connected projects:"))
	for i, p := range ps {
		gp := glProjects[i]
		text := fmt.Sprintf("<%s|%s> is in channel <#%s>", gp.WebURL, gp.Name, p.SlackChannelID)
		blocks = append(blocks, bot.MarkdownSection(text))
	}
	blocks = append(blocks, slack.NewDividerBlock())

	return slack.WebhookMessage{
		Text:            "Gitbot status",
		Blocks:          &slack.Blocks{BlockSet: blocks},
		ReplaceOriginal: true,
	}, nil
}

// imageSection is a mrkdwn section with an image on the right. Slack rejects
// image accessories without a URL, so it is left out when imageURL is empty.
func imageSection(text, imageURL, alt string) *slack.SectionBlock {
	var accessory *slack.Accessory
	if imageURL != "" {
		accessory = slack.NewAccessory(slack.NewImageBlockElement(imageURL, alt))
	}
	return slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, accessory)
}
