package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
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

func pipelineEvent() gitlab.ProjectHookEvent {
	var ev gitlab.ProjectHookEvent
	ev.ObjectKind = "pipeline"
	ev.ObjectAttributes.ID = 31
	ev.ObjectAttributes.Status = "manual"
	ev.ObjectAttributes.URL = "https://gitlab.example.com/acme/website/-/pipelines/31"
	ev.Project.ID = 7
	ev.Project.Name = "website"
	ev.Project.WebURL = "https://gitlab.example.com/acme/website"
	ev.Builds = []gitlab.Build{
		{ID: 100, Stage: "build", Name: "compile", Status: "success"},
		{ID: 101, Stage: "deploy-production", Name: "deploy", Status: "manual"},
		{ID: 102, Stage: "deploy", Name: "smoke", Status: "created"},
	}
	return ev
}

func TestBlockedBuilds(t *testing.T) {
	blocked := BlockedBuilds(pipelineEvent())
	require.Len(t, blocked, 1)
	assert.Equal(t, 101, blocked[0].ID)

	assert.Empty(t, BlockedBuilds(gitlab.ProjectHookEvent{}))
}

func sectionTexts(blocks []slack.Block) []string {
	var texts []string
	for _, b := range blocks {
		if s, ok := b.(*slack.SectionBlock); ok && s.Text != nil {
			texts = append(texts, s.Text.Text)
		}
	}
	return texts
}

func TestApprovalCard(t *testing.T) {
	card := ApprovalCard{
		Event:        pipelineEvent(),
		DeploymentID: 55,
		BuildID:      101,
		Summary: gitlab.ApprovalSummary{Rules: []gitlab.ApprovalRule{
			{UserID: 11, AccessLevelDescription: "Ada", RequiredApprovals: 1},
			{GroupID: 3, AccessLevelDescription: "Release managers", RequiredApprovals: 2},
		}},
		UserApprovers:  []gitlab.User{{ID: 11, Name: "Ada", WebURL: "https://gitlab.example.com/ada"}},
		GroupApprovers: []gitlab.Group{{ID: 3, Name: "release", WebURL: "https://gitlab.example.com/groups/release"}},
	}

	blocks := card.Blocks()
	texts := sectionTexts(blocks)
	assert.Contains(t, texts, "Pipeline <https://gitlab.example.com/acme/website/-/pipelines/31|31> in project <https://gitlab.example.com/acme/website|website> is blocked waiting for approval.")
	assert.Contains(t, texts, "Release managers - required approvals: 2")
	assert.Contains(t, texts, "<https://gitlab.example.com/ada|*Ada*>")

	group := blocks[len(blocks)-4].(*slack.SectionBlock)
	require.NotNil(t, group.Accessory)
	assert.Equal(t, gitLabLogoURL, group.Accessory.ImageElement.ImageURL)

	actions, ok := blocks[len(blocks)-2].(*slack.ActionBlock)
	require.True(t, ok)
	require.Len(t, actions.Elements.ElementSet, 2)

	approve := actions.Elements.ElementSet[0].(*slack.ButtonBlockElement)
	reject := actions.Elements.ElementSet[1].(*slack.ButtonBlockElement)
	assert.Equal(t, ApproveActionID, approve.ActionID)
	assert.Equal(t, slack.StylePrimary, approve.Style)
	assert.Equal(t, RejectActionID, reject.ActionID)
	assert.Equal(t, slack.StyleDanger, reject.Style)

	var v ApprovalValue
	require.NoError(t, json.Unmarshal([]byte(approve.Value), &v))
	assert.Equal(t, ApprovalValue{Action: "approve", ProjectID: 7, DeploymentID: 55, BuildID: 101}, v)
	require.NoError(t, json.Unmarshal([]byte(reject.Value), &v))
	assert.Equal(t, "reject", v.Action)
}

func TestBlockedPipeline(t *testing.T) {
	deployment := gitlab.Deployment{
		ID:         55,
		Status:     "blocked",
		Deployable: &gitlab.Deployable{ID: 101, Status: "manual"},
		ApprovalSummary: gitlab.ApprovalSummary{Rules: []gitlab.ApprovalRule{
			{UserID: 11, RequiredApprovals: 1},
			{GroupID: 3, RequiredApprovals: 1},
		}},
	}

	tests := []struct {
		name        string
		deployments []gitlab.Deployment
		text        string
		contains    []string
	}{
		{
			name:        "card",
			deployments: []gitlab.Deployment{deployment},
			text:        "Pipeline approval required",
			contains:    []string{ApproveActionID, RejectActionID, "Ada", "release"},
		},
		{
			name: "no deployment",
			text: "Error finding deployment for blocked pipeline",
			contains: []string{
				"Could not find a deployment for blocked pipeline in project website. Please use GitLab web UI to approve.",
			},
		},
		{
			name:        "several deployments",
			deployments: []gitlab.Deployment{deployment, {ID: 56, Deployable: &gitlab.Deployable{ID: 101}}},
			text:        "Found multiple deployments for blocked pipeline",
			contains: []string{
				"Found multiple blocked deployments for project website. Please use GitLab web UI to approve.",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gl := newFakeGitLab()
			gl.deployments[7] = tt.deployments
			gl.users[11] = gitlab.User{ID: 11, Name: "Ada"}
			gl.groups[3] = gitlab.Group{ID: 3, Name: "release"}
			chat := &fakeChat{}

			h := BlockedPipeline(gl, chat, zaptest.NewLogger(t))
			h.HandlePipeline(context.Background(), pipelineEvent(), "C456")

			require.Len(t, chat.posts, 1)
			p := chat.posts[0]
			assert.Equal(t, "C456", p.channel)
			assert.Equal(t, tt.text, p.text)
			for _, s := range tt.contains {
				assert.Contains(t, p.blocks, s)
			}
		})
	}
}

func TestApprovers(t *testing.T) {
	gl := newFakeGitLab()
	gl.users[11] = gitlab.User{ID: 11, Name: "Ada"}
	gl.users[12] = gitlab.User{ID: 12, Name: "Grace"}
	gl.groups[3] = gitlab.Group{ID: 3, Name: "release"}

	users, groups, err := approvers(context.Background(), gl, gitlab.ApprovalSummary{Rules: []gitlab.ApprovalRule{
		{UserID: 12},
		{GroupID: 3},
		{UserID: 11},
		{AccessLevel: 40},
	}})
	require.NoError(t, err)
	assert.Equal(t, []gitlab.User{gl.users[12], gl.users[11]}, users)
	assert.Equal(t, []gitlab.Group{gl.groups[3]}, groups)

	_, _, err = approvers(context.Background(), gl, gitlab.ApprovalSummary{Rules: []gitlab.ApprovalRule{{UserID: 404}}})
	assert.Error(t, err)
}

func approvalAction(t *testing.T, userID string, v ApprovalValue) bot.Action {
	t.Helper()
	var a bot.Action
	a.Callback.User.ID = userID
	a.Block.ActionID = ApproveActionID
	if v.Action == "reject" {
		a.Block.ActionID = RejectActionID
	}
	a.Block.Value = v.encode()
	return a
}

func TestPipelineApproval(t *testing.T) {
	value := ApprovalValue{ProjectID: 7, DeploymentID: 55, BuildID: 101}
	approve := value
	approve.Action = "approve"
	reject := value
	reject.Action = "reject"

	tests := []struct {
		name      string
		user      string
		value     ApprovalValue
		responses []string
		approved  []string
		rejected  []string
		played    []string
	}{
		{
			name:      "approve",
			user:      "U1",
			value:     approve,
			responses: []string{"replace: <@U1> approved deployment 55."},
			approved:  []string{"access-2:7/55"},
			played:    []string{"access-2:7/101"},
		},
		{
			name:      "reject",
			user:      "U1",
			value:     reject,
			responses: []string{"replace: <@U1> rejected deployment 55."},
			rejected:  []string{"access-2:7/55"},
		},
		{
			name:      "not signed in",
			user:      "U9",
			value:     approve,
			responses: []string{"ephemeral: You need to sign in to GitLab first, run `/gitbot login` and try again."},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			gl := newFakeGitLab()
			oauth := &fakeOAuth{refresh: map[string]*oauth2.Token{
				"refresh-1": {AccessToken: "access-2", RefreshToken: "refresh-2"},
			}}
			users := store.NewMemory(store.Options{})
			require.NoError(t, users.PutUser(ctx, store.User{SlackUserID: "U1", GitLabUserID: 11, RefreshToken: "refresh-1"}))
			r := &fakeResponder{}

			h := PipelineApproval(gl, oauth, users, "/gitbot", zaptest.NewLogger(t))
			h.HandleAction(ctx, approvalAction(t, tt.user, tt.value), r)

			assert.Equal(t, tt.responses, r.texts())
			assert.Equal(t, tt.approved, gl.approved)
			assert.Equal(t, tt.rejected, gl.rejected)
			assert.Equal(t, tt.played, gl.played)

			u, err := users.User(ctx, "U1")
			require.NoError(t, err)
			if tt.user == "U1" {
				assert.Equal(t, "refresh-2", u.RefreshToken)
			} else {
				assert.Equal(t, "refresh-1", u.RefreshToken)
			}
		})
	}
}

func TestPipelineApprovalRefreshFailure(t *testing.T) {
	ctx := context.Background()
	users := store.NewMemory(store.Options{})
	require.NoError(t, users.PutUser(ctx, store.User{SlackUserID: "U1", RefreshToken: "revoked"}))
	gl := newFakeGitLab()
	r := &fakeResponder{}

	h := PipelineApproval(gl, &fakeOAuth{}, users, "/gitbot", zaptest.NewLogger(t))
	h.HandleAction(ctx, approvalAction(t, "U1", ApprovalValue{Action: "approve", ProjectID: 7, DeploymentID: 55}), r)

	assert.Equal(t, []string{"ephemeral: Error - check logs"}, r.texts())
	assert.Empty(t, gl.approved)
}

// rotatingOAuth accepts each refresh token once and hands out the next one.
type rotatingOAuth struct {
	fakeOAuth

	mu   sync.Mutex
	used map[string]bool
}

func (o *rotatingOAuth) Refresh(_ context.Context, refreshToken string) (*oauth2.Token, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.used[refreshToken] {
		return nil, fmt.Errorf("invalid_grant: %s already used", refreshToken)
	}
	o.used[refreshToken] = true

	var n int
	fmt.Sscanf(refreshToken, "refresh-%d", &n)
	return &oauth2.Token{
		AccessToken:  fmt.Sprintf("access-%d", n+1),
		RefreshToken: fmt.Sprintf("refresh-%d", n+1),
	}, nil
}

func (t *tokenRefresher) held() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

func TestTokenRefresherSerialisesUsers(t *testing.T) {
	ctx := context.Background()
	users := store.NewMemory(store.Options{})
	require.NoError(t, users.PutUser(ctx, store.User{SlackUserID: "U1", RefreshToken: "refresh-0"}))
	require.NoError(t, users.PutUser(ctx, store.User{SlackUserID: "U2", RefreshToken: "refresh-100"}))

	tokens := &tokenRefresher{
		oauth: &rotatingOAuth{used: make(map[string]bool)},
		users: users,
	}

	const clicks = 10
	var wg sync.WaitGroup
	errs := make(chan error, 2*clicks)
	for range clicks {
		for _, id := range []string{"U1", "U2"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := tokens.accessToken(ctx, id)
				errs <- err
			}()
		}
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}

	u1, err := users.User(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, "refresh-10", u1.RefreshToken)
	u2, err := users.User(ctx, "U2")
	require.NoError(t, err)
	assert.Equal(t, "refresh-110", u2.RefreshToken)

	assert.Zero(t, tokens.held(), "idle users keep no lock")
}

func TestTokenRefresherForgetsFailedUsers(t *testing.T) {
	ctx := context.Background()
	tokens := &tokenRefresher{
		oauth: &rotatingOAuth{used: make(map[string]bool)},
		users: store.NewMemory(store.Options{}),
	}

	for i := range 3 {
		_, err := tokens.accessToken(ctx, fmt.Sprintf("U%d", i))
		assert.ErrorIs(t, err, store.ErrNotFound)
	}
	assert.Zero(t, tokens.held())
}
