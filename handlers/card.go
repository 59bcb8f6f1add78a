package handlers

import (
	"encoding/json"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/gobridge/gitbot/bot"
	"github.com/gobridge/gitbot/gitlab"
)

// Action ids of the approval card buttons.
const (
	ApproveActionID = "approvePipelineButton"
	RejectActionID  = "rejectPipelineButton"
)

const gitLabLogoURL = "https://about.gitlab.com/images/press/logo/png/gitlab-logo-500.png"

// ApprovalValue is carried by the approval card buttons.
type ApprovalValue struct {
	Action       string `json:"action"`
	ProjectID    int    `json:"project_id"`
	DeploymentID int    `json:"deployment_id"`
	BuildID      int    `json:"build_id"`
}

func (v ApprovalValue) encode() string {
	b, _ := json.Marshal(v)
	return string(b)
}

// ApprovalCard describes a deployment waiting for approval.
type ApprovalCard struct {
	Event          gitlab.ProjectHookEvent
	DeploymentID   int
	BuildID        int
	Summary        gitlab.ApprovalSummary
	UserApprovers  []gitlab.User
	GroupApprovers []gitlab.Group
}

// Blocks renders the card with its Approve and Reject buttons.
func (c ApprovalCard) Blocks() []slack.Block {
	ev := c.Event
	blocks := []slack.Block{
		slack.NewDividerBlock(),
		bot.MarkdownSection(fmt.Sprintf("Pipeline <%s|%d> in project <%s|%s> is blocked waiting for approval.",
			ev.ObjectAttributes.URL, ev.ObjectAttributes.ID, ev.Project.WebURL, ev.Project.Name)),
		slack.NewDividerBlock(),
		bot.MarkdownSection("*Approval rules*"),
	}
	for _, rule := range c.Summary.Rules {
		blocks = append(blocks, bot.MarkdownSection(fmt.Sprintf("%s - required approvals: %d", rule.AccessLevelDescription, rule.RequiredApprovals)))
	}

	blocks = append(blocks, slack.NewDividerBlock(), bot.MarkdownSection("*Individual user approvers*"))
	for _, u := range c.UserApprovers {
		blocks = append(blocks, imageSection(fmt.Sprintf("<%s|*%s*>", u.WebURL, u.Name), u.AvatarURL, u.Name))
	}

	blocks = append(blocks, slack.NewDividerBlock(), bot.MarkdownSection("*Group approvers*"))
	for _, g := range c.GroupApprovers {
		avatar := g.AvatarURL
		if avatar == "" {
			avatar = gitLabLogoURL
		}
		blocks = append(blocks, imageSection(fmt.Sprintf("<%s|*%s*>", g.WebURL, g.Name), avatar, g.Name))
	}

	value := ApprovalValue{
		ProjectID:    ev.Project.ID,
		DeploymentID: c.DeploymentID,
		BuildID:      c.BuildID,
	}
	approve := value
	approve.Action = "approve"
	reject := value
	reject.Action = "reject"

	approveButton := slack.NewButtonBlockElement(ApproveActionID, approve.encode(), slack.NewTextBlockObject(slack.PlainTextType, "Approve", true, false))
	approveButton.Style = slack.StylePrimary
	rejectButton := slack.NewButtonBlockElement(RejectActionID, reject.encode(), slack.NewTextBlockObject(slack.PlainTextType, "Reject", true, false))
	rejectButton.Style = slack.StyleDanger

	return append(blocks,
		slack.NewDividerBlock(),
		slack.NewActionBlock("", approveButton, rejectButton),
		slack.NewDividerBlock(),
	)
}
