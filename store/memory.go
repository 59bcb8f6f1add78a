package store

import (
	"context"
	"sort"
	"sync"
)

// Memory implements Store with maps. Data is lost on restart.
type Memory struct {
	opts Options

	mu       sync.Mutex
	states   map[string]State
	users    map[string]User
	projects map[int]ProjectConfig
}

var _ Store = (*Memory)(nil)

// NewMemory constructs an empty *Memory.
func NewMemory(opts Options) *Memory {
	return &Memory{
		opts:     opts.withDefaults(),
		states:   make(map[string]State),
		users:    make(map[string]User),
		projects: make(map[int]ProjectConfig),
	}
}

func (m *Memory) PutState(_ context.Context, s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s.Expiry = m.opts.now().Add(m.opts.StateTTL)
	m.states[s.Nonce] = s
	return nil
}

func (m *Memory) TakeState(_ context.Context, nonce string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[nonce]
	if !ok {
		return State{}, ErrNotFound
	}
	delete(m.states, nonce)
	if !m.opts.now().Before(s.Expiry) {
		return State{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) PutUser(_ context.Context, u User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u.Expiry = m.opts.now().Add(m.opts.UserTTL)
	m.users[u.SlackUserID] = u
	return nil
}

func (m *Memory) User(_ context.Context, slackUserID string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[slackUserID]
	if !ok || !m.opts.now().Before(u.Expiry) {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (m *Memory) Users(_ context.Context) ([]User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.now()
	users := make([]User, 0, len(m.users))
	for _, u := range m.users {
		if now.Before(u.Expiry) {
			users = append(users, u)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].SlackUserID < users[j].SlackUserID })
	return users, nil
}

func (m *Memory) PutProject(_ context.Context, p ProjectConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p.UpdatedAt = m.opts.now()
	m.projects[p.ProjectID] = p
	return nil
}

func (m *Memory) Project(_ context.Context, projectID int) (ProjectConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.projects[projectID]
	if !ok {
		return ProjectConfig{}, ErrNotFound
	}
	return p, nil
}

func (m *Memory) Projects(_ context.Context) ([]ProjectConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	projects := make([]ProjectConfig, 0, len(m.projects))
	for _, p := range m.projects {
		projects = append(projects, p)
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].ProjectID < projects[j].ProjectID })
	return projects, nil
}

// Purge removes expired states and users.
func (m *Memory) Purge(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.now()
	var n int
	for k, s := range m.states {
		if !now.Before(s.Expiry) {
			delete(m.states, k)
			n++
		}
	}
	for k, u := range m.users {
		if !now.Before(u.Expiry) {
			delete(m.users, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Close() error { return nil }
