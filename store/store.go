// Package store persists the small amount of state gitbot needs between
// requests: login nonces, GitLab refresh tokens and project to channel mappings.
//
// Every write is a single key upsert, the last writer wins. Records past their
// expiry are treated exactly like missing ones.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record doesn't exist or has expired.
var ErrNotFound = errors.New("store: not found")

// State correlates a GitLab OAuth redirect with the slash command that
// started the login.
type State struct {
	Nonce       string
	SlackUserID string
	ResponseURL string
	Expiry      time.Time
}

// User links a Slack user to a GitLab account.
type User struct {
	SlackUserID  string
	GitLabUserID int
	RefreshToken string
	Expiry       time.Time
}

// ProjectConfig maps a GitLab project to the channel notified about it.
type ProjectConfig struct {
	ProjectID      int
	SlackChannelID string
	UpdatedAt      time.Time
}

// StateStore keeps short lived login nonces.
type StateStore interface {
	// PutState saves s under s.Nonce and sets its expiry.
	PutState(ctx context.Context, s State) error
	// TakeState returns and deletes the state saved under nonce.
	TakeState(ctx context.Context, nonce string) (State, error)
}

// UserStore keeps the GitLab refresh token of each logged in Slack user.
type UserStore interface {
	// PutUser saves u and pushes its expiry forward.
	PutUser(ctx context.Context, u User) error
	User(ctx context.Context, slackUserID string) (User, error)
	Users(ctx context.Context) ([]User, error)
}

// ProjectStore keeps the channel configured for each connected project.
type ProjectStore interface {
	PutProject(ctx context.Context, p ProjectConfig) error
	Project(ctx context.Context, projectID int) (ProjectConfig, error)
	Projects(ctx context.Context) ([]ProjectConfig, error)
}

// Purger deletes expired records.
type Purger interface {
	Purge(ctx context.Context) (int, error)
}

// Store is implemented by every backend.
type Store interface {
	StateStore
	UserStore
	ProjectStore
	Purger
	Close() error
}

// Options are shared by all backends.
type Options struct {
	// StateTTL is how long a login nonce stays valid.
	StateTTL time.Duration
	// UserTTL is how long a refresh token is kept after its last use.
	UserTTL time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o Options) withDefaults() Options {
	if o.StateTTL <= 0 {
		o.StateTTL = 30 * time.Second
	}
	if o.UserTTL <= 0 {
		o.UserTTL = 7 * 24 * time.Hour
	}
	return o
}
