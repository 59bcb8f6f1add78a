package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/datastore"
	"google.golang.org/api/iterator"
)

// Entity kinds.
const (
	stateKind   = "GitbotState"
	userKind    = "GitbotUser"
	projectKind = "GitbotProject"
)

type stateEntity struct {
	SlackUserID string    `datastore:"SlackUserID,noindex"`
	ResponseURL string    `datastore:"ResponseURL,noindex"`
	Expiry      time.Time `datastore:"Expiry"`
}

type userEntity struct {
	GitLabUserID int       `datastore:"GitLabUserID,noindex"`
	RefreshToken string    `datastore:"RefreshToken,noindex"`
	Expiry       time.Time `datastore:"Expiry"`
}

type projectEntity struct {
	SlackChannelID string    `datastore:"SlackChannelID,noindex"`
	UpdatedAt      time.Time `datastore:"UpdatedAt"`
}

// Datastore implements Store and tracks state in a Google Cloud Platform Datastore.
type Datastore struct {
	ds   *datastore.Client
	opts Options
}

var _ Store = (*Datastore)(nil)

// NewDatastore constructs a new *Datastore.
func NewDatastore(ds *datastore.Client, opts Options) *Datastore {
	return &Datastore{
		ds:   ds,
		opts: opts.withDefaults(),
	}
}

func (s *Datastore) PutState(ctx context.Context, st State) error {
	e := stateEntity{
		SlackUserID: st.SlackUserID,
		ResponseURL: st.ResponseURL,
		Expiry:      s.opts.now().Add(s.opts.StateTTL),
	}
	_, err := s.ds.Put(ctx, datastore.NameKey(stateKind, st.Nonce, nil), &e)
	return err
}

func (s *Datastore) TakeState(ctx context.Context, nonce string) (State, error) {
	key := datastore.NameKey(stateKind, nonce, nil)

	var e stateEntity
	_, err := s.ds.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		if err := tx.Get(key, &e); err != nil {
			return err
		}
		return tx.Delete(key)
	})
	if errors.Is(err, datastore.ErrNoSuchEntity) {
		return State{}, ErrNotFound
	}
	if err != nil {
		return State{}, fmt.Errorf("taking state: %w", err)
	}

	if !s.opts.now().Before(e.Expiry) {
		return State{}, ErrNotFound
	}
	return State{
		Nonce:       nonce,
		SlackUserID: e.SlackUserID,
		ResponseURL: e.ResponseURL,
		Expiry:      e.Expiry,
	}, nil
}

func (s *Datastore) PutUser(ctx context.Context, u User) error {
	e := userEntity{
		GitLabUserID: u.GitLabUserID,
		RefreshToken: u.RefreshToken,
		Expiry:       s.opts.now().Add(s.opts.UserTTL),
	}
	_, err := s.ds.Put(ctx, datastore.NameKey(userKind, u.SlackUserID, nil), &e)
	return err
}

func (s *Datastore) User(ctx context.Context, slackUserID string) (User, error) {
	var e userEntity
	err := s.ds.Get(ctx, datastore.NameKey(userKind, slackUserID, nil), &e)
	if err == datastore.ErrNoSuchEntity {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	if !s.opts.now().Before(e.Expiry) {
		return User{}, ErrNotFound
	}
	return User{
		SlackUserID:  slackUserID,
		GitLabUserID: e.GitLabUserID,
		RefreshToken: e.RefreshToken,
		Expiry:       e.Expiry,
	}, nil
}

func (s *Datastore) Users(ctx context.Context) ([]User, error) {
	q := datastore.NewQuery(userKind).
		FilterField("Expiry", ">", s.opts.now())

	var users []User
	it := s.ds.Run(ctx, q)
	for {
		var e userEntity
		key, err := it.Next(&e)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing users: %w", err)
		}
		users = append(users, User{
			SlackUserID:  key.Name,
			GitLabUserID: e.GitLabUserID,
			RefreshToken: e.RefreshToken,
			Expiry:       e.Expiry,
		})
	}
	return users, nil
}

func (s *Datastore) PutProject(ctx context.Context, p ProjectConfig) error {
	e := projectEntity{
		SlackChannelID: p.SlackChannelID,
		UpdatedAt:      s.opts.now(),
	}
	_, err := s.ds.Put(ctx, projectKey(p.ProjectID), &e)
	return err
}

func (s *Datastore) Project(ctx context.Context, projectID int) (ProjectConfig, error) {
	var e projectEntity
	err := s.ds.Get(ctx, projectKey(projectID), &e)
	if err == datastore.ErrNoSuchEntity {
		return ProjectConfig{}, ErrNotFound
	}
	if err != nil {
		return ProjectConfig{}, err
	}
	return ProjectConfig{
		ProjectID:      projectID,
		SlackChannelID: e.SlackChannelID,
		UpdatedAt:      e.UpdatedAt,
	}, nil
}

func (s *Datastore) Projects(ctx context.Context) ([]ProjectConfig, error) {
	var projects []ProjectConfig
	it := s.ds.Run(ctx, datastore.NewQuery(projectKind))
	for {
		var e projectEntity
		key, err := it.Next(&e)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing project configs: %w", err)
		}
		projects = append(projects, ProjectConfig{
			ProjectID:      int(key.ID),
			SlackChannelID: e.SlackChannelID,
			UpdatedAt:      e.UpdatedAt,
		})
	}
	return projects, nil
}

// Purge removes expired states and users.
func (s *Datastore) Purge(ctx context.Context) (int, error) {
	now := s.opts.now()
	var n int
	for _, kind := range []string{stateKind, userKind} {
		q := datastore.NewQuery(kind).
			FilterField("Expiry", "<=", now).
			KeysOnly()

		keys, err := s.ds.GetAll(ctx, q, nil)
		if err != nil {
			return n, fmt.Errorf("finding expired %s: %w", kind, err)
		}
		deleted, err := inBatches(keys, maxBatch, func(batch []*datastore.Key) error {
			return s.ds.DeleteMulti(ctx, batch)
		})
		n += deleted
		if err != nil {
			return n, fmt.Errorf("deleting expired %s: %w", kind, err)
		}
	}
	return n, nil
}

// maxBatch is the most entities a single Datastore mutation may touch.
const maxBatch = 500

// inBatches calls fn with consecutive slices of items no longer than size and
// returns how many items were handled before the first error.
func inBatches[T any](items []T, size int, fn func([]T) error) (int, error) {
	var done int
	for len(items) > 0 {
		batch := items[:min(size, len(items))]
		if err := fn(batch); err != nil {
			return done, err
		}
		done += len(batch)
		items = items[len(batch):]
	}
	return done, nil
}

func (s *Datastore) Close() error {
	return s.ds.Close()
}

func projectKey(projectID int) *datastore.Key {
	return datastore.IDKey(projectKind, int64(projectID), nil)
}
