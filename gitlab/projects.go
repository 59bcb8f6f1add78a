package gitlab

import (
	"context"

	glapi "gitlab.com/gitlab-org/api/client-go"
)

// Project returns the project with id projectID.
func (c *Client) Project(ctx context.Context, projectID int) (Project, error) {
	ctx, span := startSpan(ctx, "Project")
	defer span.End()

	p, resp, err := c.api.Projects.GetProject(projectID, nil, glapi.WithContext(ctx))
	if err := c.check(span, "get project", resp, err); err != nil {
		return Project{}, err
	}
	return fromProject(p), nil
}

// SearchProjects returns the projects whose name is exactly name. The GitLab
// search also matches on substrings and paths, those results are dropped.
func (c *Client) SearchProjects(ctx context.Context, name string) ([]Project, error) {
	ctx, span := startSpan(ctx, "SearchProjects")
	defer span.End()

	found, resp, err := paginate(func(opt glapi.ListOptions) ([]*glapi.Project, *glapi.Response, error) {
		return c.api.Projects.ListProjects(&glapi.ListProjectsOptions{
			ListOptions: opt,
			Search:      glapi.Ptr(name),
		}, glapi.WithContext(ctx))
	})
	if err := c.check(span, "search projects", resp, err); err != nil {
		return nil, err
	}

	var exact []Project
	for _, p := range found {
		if p.Name == name {
			exact = append(exact, fromProject(p))
		}
	}
	return exact, nil
}

// ProjectHooks lists the webhooks of a project.
func (c *Client) ProjectHooks(ctx context.Context, projectID int) ([]ProjectHook, error) {
	ctx, span := startSpan(ctx, "ProjectHooks")
	defer span.End()

	hooks, resp, err := paginate(func(opt glapi.ListOptions) ([]*glapi.ProjectHook, *glapi.Response, error) {
		return c.api.Projects.ListProjectHooks(projectID, (*glapi.ListProjectHooksOptions)(&opt), glapi.WithContext(ctx))
	})
	if err := c.check(span, "list project hooks", resp, err); err != nil {
		return nil, err
	}

	out := make([]ProjectHook, 0, len(hooks))
	for _, h := range hooks {
		out = append(out, fromProjectHook(h))
	}
	return out, nil
}

// AddProjectHook creates hook on a project.
func (c *Client) AddProjectHook(ctx context.Context, projectID int, hook ProjectHook) (ProjectHook, error) {
	ctx, span := startSpan(ctx, "AddProjectHook")
	defer span.End()

	created, resp, err := c.api.Projects.AddProjectHook(projectID, &glapi.AddProjectHookOptions{
		URL:                   glapi.Ptr(hook.URL),
		Token:                 optional(hook.Token),
		PushEvents:            glapi.Ptr(hook.PushEvents),
		TagPushEvents:         glapi.Ptr(hook.TagPushEvents),
		MergeRequestsEvents:   glapi.Ptr(hook.MergeRequestsEvents),
		IssuesEvents:          glapi.Ptr(hook.IssuesEvents),
		NoteEvents:            glapi.Ptr(hook.NoteEvents),
		JobEvents:             glapi.Ptr(hook.JobEvents),
		PipelineEvents:        glapi.Ptr(hook.PipelineEvents),
		DeploymentEvents:      glapi.Ptr(hook.DeploymentEvents),
		ReleasesEvents:        glapi.Ptr(hook.ReleasesEvents),
		EnableSSLVerification: glapi.Ptr(hook.EnableSSLVerification),
	}, glapi.WithContext(ctx))
	if err := c.check(span, "add project hook", resp, err); err != nil {
		return ProjectHook{}, err
	}
	return fromProjectHook(created), nil
}

// EditProjectHook replaces the hook with id hook.ID. Every event flag is sent,
// so flags the caller didn't change are kept as they were.
func (c *Client) EditProjectHook(ctx context.Context, projectID int, hook ProjectHook) (ProjectHook, error) {
	ctx, span := startSpan(ctx, "EditProjectHook")
	defer span.End()

	edited, resp, err := c.api.Projects.EditProjectHook(projectID, hook.ID, &glapi.EditProjectHookOptions{
		URL:                   glapi.Ptr(hook.URL),
		Token:                 optional(hook.Token),
		PushEvents:            glapi.Ptr(hook.PushEvents),
		TagPushEvents:         glapi.Ptr(hook.TagPushEvents),
		MergeRequestsEvents:   glapi.Ptr(hook.MergeRequestsEvents),
		IssuesEvents:          glapi.Ptr(hook.IssuesEvents),
		NoteEvents:            glapi.Ptr(hook.NoteEvents),
		JobEvents:             glapi.Ptr(hook.JobEvents),
		PipelineEvents:        glapi.Ptr(hook.PipelineEvents),
		DeploymentEvents:      glapi.Ptr(hook.DeploymentEvents),
		ReleasesEvents:        glapi.Ptr(hook.ReleasesEvents),
		EnableSSLVerification: glapi.Ptr(hook.EnableSSLVerification),
	}, glapi.WithContext(ctx))
	if err := c.check(span, "edit project hook", resp, err); err != nil {
		return ProjectHook{}, err
	}
	return fromProjectHook(edited), nil
}

// User returns the public profile of a user.
func (c *Client) User(ctx context.Context, userID int) (User, error) {
	ctx, span := startSpan(ctx, "User")
	defer span.End()

	u, resp, err := c.api.Users.GetUser(userID, glapi.GetUsersOptions{}, glapi.WithContext(ctx))
	if err := c.check(span, "get user", resp, err); err != nil {
		return User{}, err
	}
	return fromUser(u), nil
}

// CurrentUser returns the user who owns token.
func (c *Client) CurrentUser(ctx context.Context, token string) (User, error) {
	ctx, span := startSpan(ctx, "CurrentUser")
	defer span.End()

	api, err := c.as(token)
	if err != nil {
		return User{}, err
	}
	u, resp, err := api.Users.CurrentUser(glapi.WithContext(ctx))
	if err := c.check(span, "get current user", resp, err); err != nil {
		return User{}, err
	}
	return fromUser(u), nil
}

// Group returns a group without its projects.
func (c *Client) Group(ctx context.Context, groupID int) (Group, error) {
	ctx, span := startSpan(ctx, "Group")
	defer span.End()

	g, resp, err := c.api.Groups.GetGroup(groupID, &glapi.GetGroupOptions{
		WithProjects: glapi.Ptr(false),
	}, glapi.WithContext(ctx))
	if err := c.check(span, "get group", resp, err); err != nil {
		return Group{}, err
	}
	return Group{
		ID:        g.ID,
		Name:      g.Name,
		FullName:  g.FullName,
		AvatarURL: g.AvatarURL,
		WebURL:    g.WebURL,
	}, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func fromProject(p *glapi.Project) Project {
	return Project{
		ID:                p.ID,
		Name:              p.Name,
		Description:       p.Description,
		PathWithNamespace: p.PathWithNamespace,
		WebURL:            p.WebURL,
	}
}

func fromProjectHook(h *glapi.ProjectHook) ProjectHook {
	return ProjectHook{
		ID:                    h.ID,
		ProjectID:             h.ProjectID,
		URL:                   h.URL,
		CreatedAt:             h.CreatedAt,
		PushEvents:            h.PushEvents,
		TagPushEvents:         h.TagPushEvents,
		MergeRequestsEvents:   h.MergeRequestsEvents,
		IssuesEvents:          h.IssuesEvents,
		NoteEvents:            h.NoteEvents,
		JobEvents:             h.JobEvents,
		PipelineEvents:        h.PipelineEvents,
		DeploymentEvents:      h.DeploymentEvents,
		ReleasesEvents:        h.ReleasesEvents,
		EnableSSLVerification: h.EnableSSLVerification,
	}
}

func fromUser(u *glapi.User) User {
	return User{
		ID:        u.ID,
		Username:  u.Username,
		Name:      u.Name,
		State:     u.State,
		AvatarURL: u.AvatarURL,
		WebURL:    u.WebURL,
	}
}
