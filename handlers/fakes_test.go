package handlers

import (
	"context"
	"fmt"
	"sync"

	"github.com/slack-go/slack"
	"golang.org/x/oauth2"

	"github.com/gobridge/gitbot/gitlab"
)

type fakeGitLab struct {
	mu sync.Mutex

	projects    map[int]gitlab.Project
	hooks       map[int][]gitlab.ProjectHook
	users       map[int]gitlab.User
	groups      map[int]gitlab.Group
	deployments map[int][]gitlab.Deployment
	currentUser map[string]gitlab.User
	err         error

	added    []gitlab.ProjectHook
	edited   []gitlab.ProjectHook
	approved []string
	rejected []string
	played   []string
}

func newFakeGitLab() *fakeGitLab {
	return &fakeGitLab{
		projects:    make(map[int]gitlab.Project),
		hooks:       make(map[int][]gitlab.ProjectHook),
		users:       make(map[int]gitlab.User),
		groups:      make(map[int]gitlab.Group),
		deployments: make(map[int][]gitlab.Deployment),
		currentUser: make(map[string]gitlab.User),
	}
}

func notFound(path string) error {
	return &gitlab.Error{Method: "GET", Path: path, StatusCode: 404, Body: `{"message":"404 Not Found"}`}
}

func (f *fakeGitLab) Project(_ context.Context, id int) (gitlab.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return gitlab.Project{}, f.err
	}
	p, ok := f.projects[id]
	if !ok {
		return p, notFound(fmt.Sprintf("/projects/%d", id))
	}
	return p, nil
}

func (f *fakeGitLab) SearchProjects(_ context.Context, name string) ([]gitlab.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var found []gitlab.Project
	for _, p := range f.projects {
		if p.Name == name {
			found = append(found, p)
		}
	}
	return found, nil
}

func (f *fakeGitLab) ProjectHooks(_ context.Context, projectID int) ([]gitlab.ProjectHook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hooks[projectID], f.err
}

func (f *fakeGitLab) AddProjectHook(_ context.Context, projectID int, hook gitlab.ProjectHook) (gitlab.ProjectHook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, hook)
	return hook, f.err
}

func (f *fakeGitLab) EditProjectHook(_ context.Context, projectID int, hook gitlab.ProjectHook) (gitlab.ProjectHook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edited = append(f.edited, hook)
	return hook, f.err
}

func (f *fakeGitLab) User(_ context.Context, id int) (gitlab.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return u, notFound(fmt.Sprintf("/users/%d", id))
	}
	return u, nil
}

func (f *fakeGitLab) CurrentUser(_ context.Context, token string) (gitlab.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.currentUser[token]
	if !ok {
		return u, &gitlab.Error{Method: "GET", Path: "/user", StatusCode: 401}
	}
	return u, nil
}

func (f *fakeGitLab) Group(_ context.Context, id int) (gitlab.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[id]
	if !ok {
		return g, notFound(fmt.Sprintf("/groups/%d", id))
	}
	return g, nil
}

func (f *fakeGitLab) DeploymentsForBuild(_ context.Context, projectID, buildID int) ([]gitlab.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []gitlab.Deployment
	for _, d := range f.deployments[projectID] {
		if d.Deployable != nil && d.Deployable.ID == buildID {
			matched = append(matched, d)
		}
	}
	return matched, nil
}

func (f *fakeGitLab) Deployment(_ context.Context, projectID, deploymentID int) (gitlab.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.deployments[projectID] {
		if d.ID == deploymentID {
			return d, nil
		}
	}
	return gitlab.Deployment{}, notFound(fmt.Sprintf("/projects/%d/deployments/%d", projectID, deploymentID))
}

func (f *fakeGitLab) ApproveDeployment(_ context.Context, token string, projectID, deploymentID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approved = append(f.approved, fmt.Sprintf("%s:%d/%d", token, projectID, deploymentID))
	return f.err
}

func (f *fakeGitLab) RejectDeployment(_ context.Context, token string, projectID, deploymentID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected = append(f.rejected, fmt.Sprintf("%s:%d/%d", token, projectID, deploymentID))
	return f.err
}

func (f *fakeGitLab) PlayJob(_ context.Context, token string, projectID, jobID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.played = append(f.played, fmt.Sprintf("%s:%d/%d", token, projectID, jobID))
	return f.err
}

type fakeOAuth struct {
	// codes maps authorization codes to tokens
	codes map[string]*oauth2.Token
	// refresh maps refresh tokens to the token they are traded for
	refresh map[string]*oauth2.Token
}

func (o *fakeOAuth) AuthCodeURL(state string) string {
	return "https://gitlab.example.com/oauth/authorize?state=" + state
}

func (o *fakeOAuth) Exchange(_ context.Context, code string) (*oauth2.Token, error) {
	tok, ok := o.codes[code]
	if !ok {
		return nil, fmt.Errorf("invalid_grant")
	}
	return tok, nil
}

func (o *fakeOAuth) Refresh(_ context.Context, refreshToken string) (*oauth2.Token, error) {
	tok, ok := o.refresh[refreshToken]
	if !ok {
		return nil, fmt.Errorf("invalid_grant")
	}
	return tok, nil
}

type response struct {
	kind string
	text string
	msg  slack.WebhookMessage
}

type fakeResponder struct {
	mu        sync.Mutex
	responses []response
}

func (r *fakeResponder) add(resp response) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, resp)
	return nil
}

func (r *fakeResponder) Respond(_ context.Context, text string) error {
	return r.add(response{kind: "ephemeral", text: text})
}

func (r *fakeResponder) RespondInChannel(_ context.Context, text string) error {
	return r.add(response{kind: "in_channel", text: text})
}

func (r *fakeResponder) ReplaceOriginal(_ context.Context, text string) error {
	return r.add(response{kind: "replace", text: text})
}

func (r *fakeResponder) RespondWithBlocks(_ context.Context, msg slack.WebhookMessage) error {
	return r.add(response{kind: "blocks", text: msg.Text, msg: msg})
}

func (r *fakeResponder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var texts []string
	for _, resp := range r.responses {
		texts = append(texts, resp.kind+": "+resp.text)
	}
	return texts
}

type post struct {
	channel string
	text    string
	blocks  string
}

type fakeChat struct {
	mu    sync.Mutex
	posts []post
}

func (c *fakeChat) PostMessageContext(_ context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	_, values, err := slack.UnsafeApplyMsgOptions("token", channelID, "https://slack.com/api/", options...)
	if err != nil {
		return "", "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.posts = append(c.posts, post{
		channel: values.Get("channel"),
		text:    values.Get("text"),
		blocks:  values.Get("blocks"),
	})
	return channelID, "1700000000.000100", nil
}
