package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"go.opencensus.io/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gobridge/gitbot/bot"
	"github.com/gobridge/gitbot/gitlab"
	"github.com/gobridge/gitbot/store"
)

// BlockedBuilds returns the builds of a pipeline event waiting on a manual
// deploy job.
func BlockedBuilds(ev gitlab.ProjectHookEvent) []gitlab.Build {
	var blocked []gitlab.Build
	for _, b := range ev.Builds {
		if strings.HasPrefix(b.Stage, "deploy") && b.Status == "manual" {
			blocked = append(blocked, b)
		}
	}
	return blocked
}

// BlockedPipeline posts an approval card to channelID for every deployment
// the pipeline is blocked on.
func BlockedPipeline(gl GitLab, chat ChatPoster, log *zap.Logger) bot.PipelineHandler {
	return bot.PipelineHandlerFunc(func(ctx context.Context, ev gitlab.ProjectHookEvent, channelID string) {
		ctx, span := trace.StartSpan(ctx, "handlers.BlockedPipeline")
		defer span.End()

		for _, build := range BlockedBuilds(ev) {
			log := log.With(zap.Int("project_id", ev.Project.ID), zap.Int("build_id", build.ID))
			if err := postApprovalCard(ctx, gl, chat, log, ev, build, channelID); err != nil {
				log.Error("posting approval card", zap.Error(err))
			}
		}
	})
}

func postApprovalCard(ctx context.Context, gl GitLab, chat ChatPoster, log *zap.Logger, ev gitlab.ProjectHookEvent, build gitlab.Build, channelID string) error {
	deployments, err := gl.DeploymentsForBuild(ctx, ev.Project.ID, build.ID)
	if err != nil {
		return fmt.Errorf("listing deployments: %w", err)
	}

	switch len(deployments) {
	case 0:
		log.Warn("no deployment for blocked build")
		return postText(ctx, chat, channelID, "Error finding deployment for blocked pipeline",
			fmt.Sprintf("Could not find a deployment for blocked pipeline in project %s. Please use GitLab web UI to approve.", ev.Project.Name))
	case 1:
	default:
		log.Warn("several deployments for blocked build", zap.Int("deployments", len(deployments)))
		return postText(ctx, chat, channelID, "Found multiple deployments for blocked pipeline",
			fmt.Sprintf("Found multiple blocked deployments for project %s. Please use GitLab web UI to approve.", ev.Project.Name))
	}

	deployment, err := gl.Deployment(ctx, ev.Project.ID, deployments[0].ID)
	if err != nil {
		return fmt.Errorf("loading deployment %d: %w", deployments[0].ID, err)
	}

	users, groups, err := approvers(ctx, gl, deployment.ApprovalSummary)
	if err != nil {
		return err
	}

	card := ApprovalCard{
		Event:          ev,
		DeploymentID:   deployment.ID,
		BuildID:        build.ID,
		Summary:        deployment.ApprovalSummary,
		UserApprovers:  users,
		GroupApprovers: groups,
	}
	_, _, err = chat.PostMessageContext(ctx, channelID,
		slack.MsgOptionText("Pipeline approval required", false),
		slack.MsgOptionBlocks(card.Blocks()...),
	)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", channelID, err)
	}
	log.Info("approval card posted", zap.Int("deployment_id", deployment.ID))
	return nil
}

// approvers looks up the users and groups named by the approval rules, in
// rule order.
func approvers(ctx context.Context, gl GitLab, summary gitlab.ApprovalSummary) ([]gitlab.User, []gitlab.Group, error) {
	users := make([]*gitlab.User, len(summary.Rules))
	groups := make([]*gitlab.Group, len(summary.Rules))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxLookups)
	for i, rule := range summary.Rules {
		switch {
		case rule.UserID != 0:
			g.Go(func() error {
				u, err := gl.User(gctx, rule.UserID)
				if err != nil {
					return fmt.Errorf("looking up approver user %d: %w", rule.UserID, err)
				}
				users[i] = &u
				return nil
			})
		case rule.GroupID != 0:
			g.Go(func() error {
				grp, err := gl.Group(gctx, rule.GroupID)
				if err != nil {
					return fmt.Errorf("looking up approver group %d: %w", rule.GroupID, err)
				}
				groups[i] = &grp
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var us []gitlab.User
	var gs []gitlab.Group
	for i := range summary.Rules {
		if users[i] != nil {
			us = append(us, *users[i])
		}
		if groups[i] != nil {
			gs = append(gs, *groups[i])
		}
	}
	return us, gs, nil
}

func postText(ctx context.Context, chat ChatPoster, channelID, fallback, text string) error {
	_, _, err := chat.PostMessageContext(ctx, channelID,
		slack.MsgOptionText(fallback, false),
		slack.MsgOptionBlocks(bot.MarkdownSection(text)),
	)
	return err
}

// tokenRefresher serialises refreshes per Slack user. GitLab rotates refresh
// tokens, two concurrent refreshes with the same token would lose one.
type tokenRefresher struct {
	oauth OAuth
	users store.UserStore

	mu    sync.Mutex
	locks map[string]*userLock
}

// userLock is held while a user's token is refreshed. refs counts the holder
// and waiters, the entry is removed when it drops to zero.
type userLock struct {
	sync.Mutex
	refs int
}

func (t *tokenRefresher) lock(slackUserID string) func() {
	t.mu.Lock()
	if t.locks == nil {
		t.locks = make(map[string]*userLock)
	}
	l, ok := t.locks[slackUserID]
	if !ok {
		l = &userLock{}
		t.locks[slackUserID] = l
	}
	l.refs++
	t.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()

		t.mu.Lock()
		defer t.mu.Unlock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, slackUserID)
		}
	}
}

// accessToken refreshes the stored token of slackUserID and saves the
// rotated refresh token.
func (t *tokenRefresher) accessToken(ctx context.Context, slackUserID string) (string, error) {
	defer t.lock(slackUserID)()

	u, err := t.users.User(ctx, slackUserID)
	if err != nil {
		return "", err
	}

	tok, err := t.oauth.Refresh(ctx, u.RefreshToken)
	if err != nil {
		return "", err
	}

	u.RefreshToken = tok.RefreshToken
	if err := t.users.PutUser(ctx, u); err != nil {
		return "", fmt.Errorf("saving refreshed token: %w", err)
	}
	return tok.AccessToken, nil
}

// PipelineApproval approves or rejects a deployment when an approval card
// button is clicked, acting as the GitLab user linked to the clicker.
func PipelineApproval(gl GitLab, oauth OAuth, users store.UserStore, command string, log *zap.Logger) bot.ActionHandler {
	tokens := &tokenRefresher{
		oauth: oauth,
		users: users,
	}

	return bot.ActionHandlerFunc(func(ctx context.Context, a bot.Action, r bot.Responder) {
		ctx, span := trace.StartSpan(ctx, "handlers.PipelineApproval")
		defer span.End()

		var v ApprovalValue
		if err := json.Unmarshal([]byte(a.Block.Value), &v); err != nil {
			log.Error("decoding button value", zap.String("value", a.Block.Value), zap.Error(err))
			return
		}

		slackUser := a.Callback.User.ID
		log := log.With(
			zap.String("user_id", slackUser),
			zap.String("action", v.Action),
			zap.Int("project_id", v.ProjectID),
			zap.Int("deployment_id", v.DeploymentID),
		)

		token, err := tokens.accessToken(ctx, slackUser)
		if errors.Is(err, store.ErrNotFound) {
			log.Info("approval from a user who isn't signed in")
			r.Respond(ctx, fmt.Sprintf("You need to sign in to GitLab first, run `%s login` and try again.", command))
			return
		}
		if err != nil {
			log.Error("getting gitlab access token", zap.Error(err))
			r.Respond(ctx, errorText)
			return
		}

		var outcome string
		switch v.Action {
		case "approve":
			if err = gl.ApproveDeployment(ctx, token, v.ProjectID, v.DeploymentID); err == nil {
				err = gl.PlayJob(ctx, token, v.ProjectID, v.BuildID)
			}
			outcome = fmt.Sprintf("<@%s> approved deployment %d.", slackUser, v.DeploymentID)
		case "reject":
			err = gl.RejectDeployment(ctx, token, v.ProjectID, v.DeploymentID)
			outcome = fmt.Sprintf("<@%s> rejected deployment %d.", slackUser, v.DeploymentID)
		default:
			log.Error("unknown approval action")
			return
		}
		if err != nil {
			log.Error("updating deployment", zap.Error(err))
			r.Respond(ctx, errorText)
			return
		}

		log.Info("deployment updated")
		r.ReplaceOriginal(ctx, outcome)
	})
}
