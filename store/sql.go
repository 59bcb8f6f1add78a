package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS gitbot_state (
		nonce TEXT PRIMARY KEY,
		slack_user_id TEXT NOT NULL,
		response_url TEXT NOT NULL,
		expiry BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS gitbot_user (
		slack_user_id TEXT PRIMARY KEY,
		gitlab_user_id BIGINT NOT NULL,
		gitlab_refresh_token TEXT NOT NULL,
		expiry BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS gitbot_project (
		project_id BIGINT PRIMARY KEY,
		slack_channel_id TEXT NOT NULL,
		last_update_date BIGINT NOT NULL
	)`,
}

// SQL implements Store on top of database/sql. It works with the "sqlite"
// (modernc.org/sqlite) and "postgres" (lib/pq) drivers. Queries use $n
// placeholders, which both drivers bind by position.
type SQL struct {
	db   *sql.DB
	opts Options
}

var _ Store = (*SQL)(nil)

// OpenSQL connects to dsn with driver and creates the tables when needed.
func OpenSQL(ctx context.Context, driver, dsn string, opts Options) (*SQL, error) {
	switch driver {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", driver, err)
	}
	if driver == "sqlite" {
		// sqlite allows a single writer
		db.SetMaxOpenConns(1)
	}

	s := &SQL{db: db, opts: opts.withDefaults()}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQL) migrate(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating tables: %w", err)
		}
	}
	return nil
}

func (s *SQL) PutState(ctx context.Context, st State) error {
	expiry := s.opts.now().Add(s.opts.StateTTL)
	_, err := s.db.ExecContext(ctx, `INSERT INTO gitbot_state (nonce, slack_user_id, response_url, expiry)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (nonce) DO UPDATE SET
			slack_user_id = excluded.slack_user_id,
			response_url = excluded.response_url,
			expiry = excluded.expiry`,
		st.Nonce, st.SlackUserID, st.ResponseURL, expiry.Unix())
	if err != nil {
		return fmt.Errorf("saving state: %w", err)
	}
	return nil
}

func (s *SQL) TakeState(ctx context.Context, nonce string) (State, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return State{}, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	st := State{Nonce: nonce}
	var expiry int64
	err = tx.QueryRowContext(ctx, `SELECT slack_user_id, response_url, expiry FROM gitbot_state WHERE nonce = $1`, nonce).
		Scan(&st.SlackUserID, &st.ResponseURL, &expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, ErrNotFound
	}
	if err != nil {
		return State{}, fmt.Errorf("loading state: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM gitbot_state WHERE nonce = $1`, nonce); err != nil {
		return State{}, fmt.Errorf("deleting state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return State{}, fmt.Errorf("committing state delete: %w", err)
	}

	st.Expiry = time.Unix(expiry, 0)
	if !s.opts.now().Before(st.Expiry) {
		return State{}, ErrNotFound
	}
	return st, nil
}

func (s *SQL) PutUser(ctx context.Context, u User) error {
	expiry := s.opts.now().Add(s.opts.UserTTL)
	_, err := s.db.ExecContext(ctx, `INSERT INTO gitbot_user (slack_user_id, gitlab_user_id, gitlab_refresh_token, expiry)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (slack_user_id) DO UPDATE SET
			gitlab_user_id = excluded.gitlab_user_id,
			gitlab_refresh_token = excluded.gitlab_refresh_token,
			expiry = excluded.expiry`,
		u.SlackUserID, u.GitLabUserID, u.RefreshToken, expiry.Unix())
	if err != nil {
		return fmt.Errorf("saving user: %w", err)
	}
	return nil
}

func (s *SQL) User(ctx context.Context, slackUserID string) (User, error) {
	u := User{SlackUserID: slackUserID}
	var expiry int64
	err := s.db.QueryRowContext(ctx,
		`SELECT gitlab_user_id, gitlab_refresh_token, expiry FROM gitbot_user WHERE slack_user_id = $1 AND expiry > $2`,
		slackUserID, s.opts.now().Unix()).
		Scan(&u.GitLabUserID, &u.RefreshToken, &expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("loading user: %w", err)
	}
	u.Expiry = time.Unix(expiry, 0)
	return u, nil
}

func (s *SQL) Users(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT slack_user_id, gitlab_user_id, gitlab_refresh_token, expiry FROM gitbot_user WHERE expiry > $1 ORDER BY slack_user_id`,
		s.opts.now().Unix())
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		var expiry int64
		if err := rows.Scan(&u.SlackUserID, &u.GitLabUserID, &u.RefreshToken, &expiry); err != nil {
			return nil, fmt.Errorf("reading user: %w", err)
		}
		u.Expiry = time.Unix(expiry, 0)
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *SQL) PutProject(ctx context.Context, p ProjectConfig) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO gitbot_project (project_id, slack_channel_id, last_update_date)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id) DO UPDATE SET
			slack_channel_id = excluded.slack_channel_id,
			last_update_date = excluded.last_update_date`,
		p.ProjectID, p.SlackChannelID, s.opts.now().Unix())
	if err != nil {
		return fmt.Errorf("saving project config: %w", err)
	}
	return nil
}

func (s *SQL) Project(ctx context.Context, projectID int) (ProjectConfig, error) {
	p := ProjectConfig{ProjectID: projectID}
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT slack_channel_id, last_update_date FROM gitbot_project WHERE project_id = $1`, projectID).
		Scan(&p.SlackChannelID, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return ProjectConfig{}, ErrNotFound
	}
	if err != nil {
		return ProjectConfig{}, fmt.Errorf("loading project config: %w", err)
	}
	p.UpdatedAt = time.Unix(updated, 0)
	return p, nil
}

func (s *SQL) Projects(ctx context.Context) ([]ProjectConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT project_id, slack_channel_id, last_update_date FROM gitbot_project ORDER BY project_id`)
	if err != nil {
		return nil, fmt.Errorf("listing project configs: %w", err)
	}
	defer rows.Close()

	var projects []ProjectConfig
	for rows.Next() {
		var p ProjectConfig
		var updated int64
		if err := rows.Scan(&p.ProjectID, &p.SlackChannelID, &updated); err != nil {
			return nil, fmt.Errorf("reading project config: %w", err)
		}
		p.UpdatedAt = time.Unix(updated, 0)
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// Purge removes expired states and users.
func (s *SQL) Purge(ctx context.Context) (int, error) {
	now := s.opts.now().Unix()
	var total int64
	for _, table := range []string{"gitbot_state", "gitbot_user"} {
		res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE expiry <= $1`, now)
		if err != nil {
			return int(total), fmt.Errorf("purging %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return int(total), err
		}
		total += n
	}
	return int(total), nil
}

func (s *SQL) Close() error {
	return s.db.Close()
}
