// Package gitlab wraps the GitLab API client for the calls gitbot makes:
// projects, project hooks, users, groups, deployments and job control.
//
// Read calls authenticate with the bot token. Calls that act on behalf of a
// person (approving, rejecting, playing jobs) take that person's OAuth access
// token explicitly.
package gitlab

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	glapi "gitlab.com/gitlab-org/api/client-go"
	"go.opencensus.io/trace"
	"golang.org/x/time/rate"
)

// Error is returned for responses with an unexpected status code.
type Error struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("gitlab: %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Client calls the GitLab API.
type Client struct {
	api     *glapi.Client
	options []glapi.ClientOptionFunc
	baseURL string
	logf    func(message string, args ...interface{})
}

// New constructs a *Client for the instance at baseURL, for example
// https://gitlab.com. Requests, including the ones made with user tokens,
// share one limiter of rps per second.
func New(c *http.Client, baseURL, botToken string, rps float64, logf func(message string, args ...interface{})) (*Client, error) {
	if c == nil {
		c = http.DefaultClient
	}
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}

	options := []glapi.ClientOptionFunc{
		glapi.WithBaseURL(baseURL),
		glapi.WithHTTPClient(c),
		glapi.WithCustomLimiter(rate.NewLimiter(rate.Limit(rps), burst)),
	}
	api, err := glapi.NewOAuthClient(botToken, options...)
	if err != nil {
		return nil, fmt.Errorf("creating gitlab client for %q: %w", baseURL, err)
	}
	return &Client{
		api:     api,
		options: options,
		baseURL: baseURL,
		logf:    logf,
	}, nil
}

// BaseURL returns the instance URL the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// as returns an API client authenticated with a user's access token.
func (c *Client) as(token string) (*glapi.Client, error) {
	api, err := glapi.NewOAuthClient(token, c.options...)
	if err != nil {
		return nil, fmt.Errorf("creating user gitlab client: %w", err)
	}
	return api, nil
}

func startSpan(ctx context.Context, name string) (context.Context, *trace.Span) {
	return trace.StartSpan(ctx, "gitlab."+name)
}

// check turns API errors into *Error and records them on span.
func (c *Client) check(span *trace.Span, op string, resp *glapi.Response, err error) error {
	if err == nil {
		return nil
	}

	gerr := &Error{Method: "?", Path: op}
	var er *glapi.ErrorResponse
	switch {
	case errors.As(err, &er) && er.Response != nil:
		gerr.StatusCode = er.Response.StatusCode
		gerr.Body = string(er.Body)
		if req := er.Response.Request; req != nil {
			gerr.Method = req.Method
			gerr.Path = req.URL.Path
		}
	case resp != nil && resp.Response != nil && resp.StatusCode >= http.StatusMultipleChoices:
		gerr.StatusCode = resp.StatusCode
		gerr.Body = err.Error()
	default:
		span.SetStatus(trace.Status{Code: trace.StatusCodeUnknown, Message: err.Error()})
		return fmt.Errorf("gitlab %s: %w", op, err)
	}

	span.SetStatus(trace.Status{Code: trace.StatusCodeUnknown, Message: http.StatusText(gerr.StatusCode)})
	c.logf("gitlab %s %s: got status %d", gerr.Method, gerr.Path, gerr.StatusCode)
	return gerr
}

// paginate calls page with increasing page numbers until GitLab reports no
// next page.
func paginate[T any](page func(opt glapi.ListOptions) ([]T, *glapi.Response, error)) ([]T, *glapi.Response, error) {
	opt := glapi.ListOptions{Page: 1, PerPage: 100}

	var all []T
	for {
		items, resp, err := page(opt)
		if err != nil {
			return nil, resp, err
		}
		all = append(all, items...)

		if resp == nil || resp.NextPage == 0 {
			return all, resp, nil
		}
		opt.Page = resp.NextPage
	}
}
