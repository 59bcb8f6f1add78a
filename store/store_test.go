package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testStore runs the behaviour every backend must share.
func testStore(t *testing.T, open func(t *testing.T, opts Options) Store) {
	ctx := context.Background()
	setup := func(t *testing.T) (Store, *clock) {
		c := newClock()
		s := open(t, Options{
			StateTTL: 30 * time.Second,
			UserTTL:  time.Hour,
			Now:      c.Now,
		})
		t.Cleanup(func() { s.Close() })
		return s, c
	}

	t.Run("state is taken once", func(t *testing.T) {
		s, _ := setup(t)
		require.NoError(t, s.PutState(ctx, State{Nonce: "abc", SlackUserID: "U1", ResponseURL: "https://hooks.slack.com/1"}))

		st, err := s.TakeState(ctx, "abc")
		require.NoError(t, err)
		assert.Equal(t, "U1", st.SlackUserID)
		assert.Equal(t, "https://hooks.slack.com/1", st.ResponseURL)

		_, err = s.TakeState(ctx, "abc")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("unknown state", func(t *testing.T) {
		s, _ := setup(t)
		_, err := s.TakeState(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("expired state", func(t *testing.T) {
		s, c := setup(t)
		require.NoError(t, s.PutState(ctx, State{Nonce: "abc", SlackUserID: "U1"}))
		c.Advance(31 * time.Second)

		_, err := s.TakeState(ctx, "abc")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("user upsert and expiry refresh", func(t *testing.T) {
		s, c := setup(t)
		require.NoError(t, s.PutUser(ctx, User{SlackUserID: "U1", GitLabUserID: 7, RefreshToken: "r1"}))

		c.Advance(50 * time.Minute)
		require.NoError(t, s.PutUser(ctx, User{SlackUserID: "U1", GitLabUserID: 7, RefreshToken: "r2"}))

		c.Advance(50 * time.Minute)
		u, err := s.User(ctx, "U1")
		require.NoError(t, err)
		assert.Equal(t, 7, u.GitLabUserID)
		assert.Equal(t, "r2", u.RefreshToken)

		c.Advance(11 * time.Minute)
		_, err = s.User(ctx, "U1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("users lists live records", func(t *testing.T) {
		s, c := setup(t)
		require.NoError(t, s.PutUser(ctx, User{SlackUserID: "U2", GitLabUserID: 2, RefreshToken: "b"}))
		c.Advance(30 * time.Minute)
		require.NoError(t, s.PutUser(ctx, User{SlackUserID: "U1", GitLabUserID: 1, RefreshToken: "a"}))
		c.Advance(31 * time.Minute)

		users, err := s.Users(ctx)
		require.NoError(t, err)
		require.Len(t, users, 1)
		assert.Equal(t, "U1", users[0].SlackUserID)
	})

	t.Run("projects", func(t *testing.T) {
		s, c := setup(t)
		_, err := s.Project(ctx, 42)
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.PutProject(ctx, ProjectConfig{ProjectID: 42, SlackChannelID: "C1"}))
		require.NoError(t, s.PutProject(ctx, ProjectConfig{ProjectID: 7, SlackChannelID: "C2"}))
		c.Advance(time.Minute)
		require.NoError(t, s.PutProject(ctx, ProjectConfig{ProjectID: 42, SlackChannelID: "C3"}))

		p, err := s.Project(ctx, 42)
		require.NoError(t, err)
		assert.Equal(t, "C3", p.SlackChannelID)
		assert.True(t, p.UpdatedAt.Equal(c.Now()), "updated at %v", p.UpdatedAt)

		// projects never expire
		c.Advance(365 * 24 * time.Hour)
		projects, err := s.Projects(ctx)
		require.NoError(t, err)
		require.Len(t, projects, 2)
		assert.Equal(t, 7, projects[0].ProjectID)
		assert.Equal(t, 42, projects[1].ProjectID)
	})

	t.Run("purge", func(t *testing.T) {
		s, c := setup(t)
		require.NoError(t, s.PutState(ctx, State{Nonce: "old"}))
		require.NoError(t, s.PutUser(ctx, User{SlackUserID: "U1", RefreshToken: "a"}))
		require.NoError(t, s.PutProject(ctx, ProjectConfig{ProjectID: 1, SlackChannelID: "C1"}))
		c.Advance(2 * time.Hour)
		require.NoError(t, s.PutState(ctx, State{Nonce: "new"}))

		n, err := s.Purge(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		_, err = s.TakeState(ctx, "new")
		assert.NoError(t, err)
		_, err = s.Project(ctx, 1)
		assert.NoError(t, err)
	})
}

func TestMemory(t *testing.T) {
	testStore(t, func(t *testing.T, opts Options) Store {
		return NewMemory(opts)
	})
}
