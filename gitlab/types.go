package gitlab

import "time"

// Project is a GitLab project.
type Project struct {
	ID                int    `json:"id"`
	Name              string `json:"name"`
	Description       string `json:"description"`
	PathWithNamespace string `json:"path_with_namespace"`
	WebURL            string `json:"web_url"`
}

// ProjectHook is a project webhook. Only the events gitbot cares about are
// listed, editing a hook sends them all back unchanged.
type ProjectHook struct {
	ID                    int        `json:"id,omitempty"`
	ProjectID             int        `json:"project_id,omitempty"`
	URL                   string     `json:"url"`
	Token                 string     `json:"token,omitempty"`
	CreatedAt             *time.Time `json:"created_at,omitempty"`
	PushEvents            bool       `json:"push_events"`
	TagPushEvents         bool       `json:"tag_push_events"`
	MergeRequestsEvents   bool       `json:"merge_requests_events"`
	IssuesEvents          bool       `json:"issues_events"`
	NoteEvents            bool       `json:"note_events"`
	JobEvents             bool       `json:"job_events"`
	PipelineEvents        bool       `json:"pipeline_events"`
	DeploymentEvents      bool       `json:"deployment_events"`
	ReleasesEvents        bool       `json:"releases_events"`
	EnableSSLVerification bool       `json:"enable_ssl_verification"`
}

// User is a GitLab user.
type User struct {
	ID        int    `json:"id"`
	Username  string `json:"username"`
	Name      string `json:"name"`
	State     string `json:"state"`
	AvatarURL string `json:"avatar_url"`
	WebURL    string `json:"web_url"`
}

// Group is a GitLab group.
type Group struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	FullName  string `json:"full_name"`
	AvatarURL string `json:"avatar_url"`
	WebURL    string `json:"web_url"`
}

// Environment is the environment a deployment targets.
type Environment struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Deployable is the job behind a deployment. Its ID is the build ID found in
// pipeline events.
type Deployable struct {
	ID     int    `json:"id"`
	Status string `json:"status"`
	Stage  string `json:"stage"`
	Name   string `json:"name"`
}

// Approval is a single decision on a deployment.
type Approval struct {
	User    User   `json:"user"`
	Status  string `json:"status"`
	Comment string `json:"comment"`
}

// ApprovalRule names who may approve a protected environment deployment.
// Either UserID or GroupID is set, or neither for access level rules.
type ApprovalRule struct {
	ID                     int        `json:"id"`
	UserID                 int        `json:"user_id"`
	GroupID                int        `json:"group_id"`
	AccessLevel            int        `json:"access_level"`
	AccessLevelDescription string     `json:"access_level_description"`
	RequiredApprovals      int        `json:"required_approvals"`
	DeploymentApprovals    []Approval `json:"deployment_approvals"`
}

// ApprovalSummary groups the approval rules of a deployment.
type ApprovalSummary struct {
	Rules []ApprovalRule `json:"rules"`
}

// Deployment is a deployment of a project to an environment.
type Deployment struct {
	ID                   int             `json:"id"`
	Status               string          `json:"status"`
	Environment          Environment     `json:"environment"`
	Deployable           *Deployable     `json:"deployable"`
	PendingApprovalCount int             `json:"pending_approval_count"`
	Approvals            []Approval      `json:"approvals"`
	ApprovalSummary      ApprovalSummary `json:"approval_summary"`
}

// Build is a job listed in a pipeline event.
type Build struct {
	ID          int               `json:"id"`
	Stage       string            `json:"stage"`
	Name        string            `json:"name"`
	Status      string            `json:"status"`
	Environment *BuildEnvironment `json:"environment"`
}

// BuildEnvironment is set on builds that deploy.
type BuildEnvironment struct {
	Name           string `json:"name"`
	Action         string `json:"action"`
	DeploymentTier string `json:"deployment_tier"`
}

// ProjectHookEvent is the body GitLab posts to project hooks. User and Builds
// are only set for pipeline events.
type ProjectHookEvent struct {
	ObjectKind       string           `json:"object_kind"`
	ObjectAttributes ObjectAttributes `json:"object_attributes"`
	Project          EventProject     `json:"project"`
	User             EventUser        `json:"user"`
	Builds           []Build          `json:"builds"`
}

// ObjectAttributes describe the pipeline of a pipeline event.
type ObjectAttributes struct {
	ID             int    `json:"id"`
	Status         string `json:"status"`
	DetailedStatus string `json:"detailed_status"`
	URL            string `json:"url"`
}

// EventProject is the project a hook event belongs to.
type EventProject struct {
	ID                int    `json:"id"`
	Name              string `json:"name"`
	PathWithNamespace string `json:"path_with_namespace"`
	WebURL            string `json:"web_url"`
}

// EventUser is the user who triggered a hook event.
type EventUser struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Email    string `json:"email"`
}
