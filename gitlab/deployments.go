package gitlab

import (
	"context"
	"fmt"
	"net/http"

	glapi "gitlab.com/gitlab-org/api/client-go"
)

// Deployments lists every deployment of a project.
func (c *Client) Deployments(ctx context.Context, projectID int) ([]Deployment, error) {
	ctx, span := startSpan(ctx, "Deployments")
	defer span.End()

	all, resp, err := paginate(func(opt glapi.ListOptions) ([]*glapi.Deployment, *glapi.Response, error) {
		return c.api.Deployments.ListProjectDeployments(projectID, &glapi.ListProjectDeploymentsOptions{
			ListOptions: opt,
		}, glapi.WithContext(ctx))
	})
	if err := c.check(span, "list deployments", resp, err); err != nil {
		return nil, err
	}

	out := make([]Deployment, 0, len(all))
	for _, d := range all {
		out = append(out, fromDeployment(d))
	}
	return out, nil
}

// DeploymentsForBuild returns the deployments whose deployable is the build
// with id buildID.
func (c *Client) DeploymentsForBuild(ctx context.Context, projectID, buildID int) ([]Deployment, error) {
	all, err := c.Deployments(ctx, projectID)
	if err != nil {
		return nil, err
	}

	var matched []Deployment
	for _, d := range all {
		if d.Deployable != nil && d.Deployable.ID == buildID {
			matched = append(matched, d)
		}
	}
	return matched, nil
}

// Deployment returns a single deployment including its approval summary.
// The summary isn't part of the typed API model, so the response is decoded
// into Deployment directly.
func (c *Client) Deployment(ctx context.Context, projectID, deploymentID int) (Deployment, error) {
	ctx, span := startSpan(ctx, "Deployment")
	defer span.End()

	path := fmt.Sprintf("projects/%d/deployments/%d", projectID, deploymentID)
	req, err := c.api.NewRequest(http.MethodGet, path, nil, []glapi.RequestOptionFunc{glapi.WithContext(ctx)})
	if err != nil {
		return Deployment{}, fmt.Errorf("building deployment request: %w", err)
	}

	var d Deployment
	resp, err := c.api.Do(req, &d)
	if err := c.check(span, "get deployment", resp, err); err != nil {
		return Deployment{}, err
	}
	return d, nil
}

// ApproveDeployment approves a deployment blocked by a protected environment
// as the owner of token.
func (c *Client) ApproveDeployment(ctx context.Context, token string, projectID, deploymentID int) error {
	return c.setApproval(ctx, token, projectID, deploymentID, glapi.DeploymentApprovalStatusApproved, "Approved via Slack gitbot")
}

// RejectDeployment rejects a deployment blocked by a protected environment
// as the owner of token.
func (c *Client) RejectDeployment(ctx context.Context, token string, projectID, deploymentID int) error {
	return c.setApproval(ctx, token, projectID, deploymentID, glapi.DeploymentApprovalStatusRejected, "Rejected via Slack gitbot")
}

func (c *Client) setApproval(ctx context.Context, token string, projectID, deploymentID int, status glapi.DeploymentApprovalStatus, comment string) error {
	ctx, span := startSpan(ctx, "ApproveOrRejectDeployment")
	defer span.End()

	api, err := c.as(token)
	if err != nil {
		return err
	}
	resp, err := api.Deployments.ApproveOrRejectDeployment(projectID, deploymentID, &glapi.ApproveOrRejectDeploymentOptions{
		Status:  glapi.Ptr(status),
		Comment: glapi.Ptr(comment),
	}, glapi.WithContext(ctx))
	return c.check(span, "set deployment approval", resp, err)
}

// PlayJob starts a manual job as the owner of token.
func (c *Client) PlayJob(ctx context.Context, token string, projectID, jobID int) error {
	ctx, span := startSpan(ctx, "PlayJob")
	defer span.End()

	api, err := c.as(token)
	if err != nil {
		return err
	}
	_, resp, err := api.Jobs.PlayJob(projectID, jobID, nil, glapi.WithContext(ctx))
	return c.check(span, "play job", resp, err)
}

func fromDeployment(d *glapi.Deployment) Deployment {
	out := Deployment{
		ID:     d.ID,
		Status: d.Status,
	}
	if d.Environment != nil {
		out.Environment = Environment{ID: d.Environment.ID, Name: d.Environment.Name}
	}
	if d.Deployable.ID != 0 {
		out.Deployable = &Deployable{
			ID:     d.Deployable.ID,
			Status: d.Deployable.Status,
			Stage:  d.Deployable.Stage,
			Name:   d.Deployable.Name,
		}
	}
	return out
}
