// Package handlers implements the gitbot commands, the approval flow and the
// OAuth redirects.
package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"
	"golang.org/x/oauth2"

	"github.com/gobridge/gitbot/bot"
	"github.com/gobridge/gitbot/gitlab"
)

// GitLab is the part of *gitlab.Client the handlers use.
type GitLab interface {
	Project(ctx context.Context, projectID int) (gitlab.Project, error)
	SearchProjects(ctx context.Context, name string) ([]gitlab.Project, error)
	ProjectHooks(ctx context.Context, projectID int) ([]gitlab.ProjectHook, error)
	AddProjectHook(ctx context.Context, projectID int, hook gitlab.ProjectHook) (gitlab.ProjectHook, error)
	EditProjectHook(ctx context.Context, projectID int, hook gitlab.ProjectHook) (gitlab.ProjectHook, error)
	User(ctx context.Context, userID int) (gitlab.User, error)
	CurrentUser(ctx context.Context, token string) (gitlab.User, error)
	Group(ctx context.Context, groupID int) (gitlab.Group, error)
	DeploymentsForBuild(ctx context.Context, projectID, buildID int) ([]gitlab.Deployment, error)
	Deployment(ctx context.Context, projectID, deploymentID int) (gitlab.Deployment, error)
	ApproveDeployment(ctx context.Context, token string, projectID, deploymentID int) error
	RejectDeployment(ctx context.Context, token string, projectID, deploymentID int) error
	PlayJob(ctx context.Context, token string, projectID, jobID int) error
}

var _ GitLab = (*gitlab.Client)(nil)

// OAuth is the part of *gitlab.OAuth the handlers use.
type OAuth interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

var _ OAuth = (*gitlab.OAuth)(nil)

// ChatPoster posts messages to channels. *slack.Client implements it.
type ChatPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

var _ ChatPoster = (*slack.Client)(nil)

// Help responds with the list of commands.
func Help(command string) bot.Handler {
	msg := strings.Join([]string{
		fmt.Sprintf("Usage: `%s [help | login | status | project]`", command),
		fmt.Sprintf("• `%s login` sign in to GitLab so you can approve deployments", command),
		fmt.Sprintf("• `%s status` list signed in users and connected projects", command),
		fmt.Sprintf("• `%s project help` connect projects to this channel", command),
	}, "\n")

	return bot.HandlerFunc(func(ctx context.Context, m bot.Message, r bot.Responder) {
		r.Respond(ctx, msg)
	})
}

// ProjectHelp responds with the usage of the project command.
func ProjectHelp(command string) bot.Handler {
	msg := strings.Join([]string{
		fmt.Sprintf("Usage: `%s project <id | name> connect`", command),
		"Blocked deployments of the project will be posted to this channel for approval.",
		fmt.Sprintf("Quote names that contain spaces: `%s project \"my project\" connect`", command),
	}, "\n")

	return bot.HandlerFunc(func(ctx context.Context, m bot.Message, r bot.Responder) {
		r.Respond(ctx, msg)
	})
}

const errorText = "Error - check logs"
