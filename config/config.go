// Package config loads the gitbot settings.
//
// Settings come from an optional YAML or TOML file, then from environment
// variables, so the environment always wins. The resulting Config is passed
// explicitly to the packages that need it.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverMemory    = "memory"
	DriverSQLite    = "sqlite"
	DriverPostgres  = "postgres"
	DriverDatastore = "datastore"
)

// Duration is a time.Duration read from strings such as "30s" or "168h".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config holds every gitbot setting.
type Config struct {
	// ListenAddr is the address the HTTP server binds to.
	ListenAddr string `yaml:"listen_addr" toml:"listen_addr"`
	// BaseURL is the public URL Slack and GitLab use to reach gitbot.
	BaseURL string `yaml:"base_url" toml:"base_url"`
	// Command is the slash command name, used in help messages.
	Command string `yaml:"command" toml:"command"`
	// LogLevel is one of debug, info, warn or error.
	LogLevel string `yaml:"log_level" toml:"log_level"`
	// HandlerTimeout bounds the background work started by a single request.
	HandlerTimeout Duration `yaml:"handler_timeout" toml:"handler_timeout"`

	Slack  Slack  `yaml:"slack" toml:"slack"`
	GitLab GitLab `yaml:"gitlab" toml:"gitlab"`
	Store  Store  `yaml:"store" toml:"store"`
}

// Slack holds the Slack app credentials.
type Slack struct {
	BotToken      string `yaml:"bot_token" toml:"bot_token"`
	SigningSecret string `yaml:"signing_secret" toml:"signing_secret"`
	ClientID      string `yaml:"client_id" toml:"client_id"`
	ClientSecret  string `yaml:"client_secret" toml:"client_secret"`
}

// GitLab holds the GitLab instance and OAuth application settings.
type GitLab struct {
	URL           string   `yaml:"url" toml:"url"`
	AppID         string   `yaml:"app_id" toml:"app_id"`
	Secret        string   `yaml:"secret" toml:"secret"`
	Scopes        []string `yaml:"scopes" toml:"scopes"`
	BotToken      string   `yaml:"bot_token" toml:"bot_token"`
	WebhookSecret string   `yaml:"webhook_secret" toml:"webhook_secret"`
	// RequestsPerSecond throttles calls to the GitLab API.
	RequestsPerSecond float64 `yaml:"requests_per_second" toml:"requests_per_second"`
}

// Store selects and configures the persisted key-value stores.
type Store struct {
	Driver           string   `yaml:"driver" toml:"driver"`
	DSN              string   `yaml:"dsn" toml:"dsn"`
	DatastoreProject string   `yaml:"datastore_project" toml:"datastore_project"`
	StateTTL         Duration `yaml:"state_ttl" toml:"state_ttl"`
	UserTTL          Duration `yaml:"user_ttl" toml:"user_ttl"`
	SweepInterval    Duration `yaml:"sweep_interval" toml:"sweep_interval"`
}

// Default returns a Config with every optional setting filled in.
func Default() Config {
	return Config{
		ListenAddr:     ":8080",
		Command:        "/gitbot",
		LogLevel:       "info",
		HandlerTimeout: Duration{time.Minute},
		GitLab: GitLab{
			URL:               "https://gitlab.com",
			Scopes:            []string{"api"},
			RequestsPerSecond: 10,
		},
		Store: Store{
			Driver:        DriverMemory,
			StateTTL:      Duration{30 * time.Second},
			UserTTL:       Duration{7 * 24 * time.Hour},
			SweepInterval: Duration{10 * time.Minute},
		},
	}
}

// Load reads path, when it isn't empty, over the defaults and then applies
// the environment overrides returned by lookup. Pass os.LookupEnv in production.
func Load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return cfg, err
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	cfg.GitLab.URL = strings.TrimSuffix(cfg.GitLab.URL, "/")
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	case ".toml":
		err = toml.Unmarshal(data, c)
	default:
		return fmt.Errorf("unsupported config file extension %q", ext)
	}
	if err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

type envVar struct {
	name string
	set  func(c *Config, v string) error
}

func str(field func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func dur(field func(c *Config) *Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		return field(c).UnmarshalText([]byte(v))
	}
}

var envVars = []envVar{
	{"GITBOT_LISTEN_ADDR", str(func(c *Config) *string { return &c.ListenAddr })},
	{"GITBOT_URL", str(func(c *Config) *string { return &c.BaseURL })},
	{"GITBOT_COMMAND", str(func(c *Config) *string { return &c.Command })},
	{"GITBOT_LOG_LEVEL", str(func(c *Config) *string { return &c.LogLevel })},
	{"GITBOT_HANDLER_TIMEOUT", dur(func(c *Config) *Duration { return &c.HandlerTimeout })},
	{"SLACK_BOT_TOKEN", str(func(c *Config) *string { return &c.Slack.BotToken })},
	{"SLACK_SIGNING_SECRET", str(func(c *Config) *string { return &c.Slack.SigningSecret })},
	{"SLACK_CLIENT_ID", str(func(c *Config) *string { return &c.Slack.ClientID })},
	{"SLACK_CLIENT_SECRET", str(func(c *Config) *string { return &c.Slack.ClientSecret })},
	{"GITLAB_URL", str(func(c *Config) *string { return &c.GitLab.URL })},
	{"GITLAB_APPID", str(func(c *Config) *string { return &c.GitLab.AppID })},
	{"GITLAB_SECRET", str(func(c *Config) *string { return &c.GitLab.Secret })},
	{"GITLAB_BOT_TOKEN", str(func(c *Config) *string { return &c.GitLab.BotToken })},
	{"GITLAB_WEBHOOK_SECRET", str(func(c *Config) *string { return &c.GitLab.WebhookSecret })},
	{"GITLAB_SCOPES", func(c *Config, v string) error {
		c.GitLab.Scopes = strings.Fields(strings.ReplaceAll(v, ",", " "))
		return nil
	}},
	{"GITLAB_REQUESTS_PER_SECOND", func(c *Config, v string) error {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		c.GitLab.RequestsPerSecond = rps
		return nil
	}},
	{"GITBOT_STORE_DRIVER", str(func(c *Config) *string { return &c.Store.Driver })},
	{"GITBOT_STORE_DSN", str(func(c *Config) *string { return &c.Store.DSN })},
	{"GITBOT_DATASTORE_PROJECT", str(func(c *Config) *string { return &c.Store.DatastoreProject })},
	{"GITBOT_STATE_TTL", dur(func(c *Config) *Duration { return &c.Store.StateTTL })},
	{"GITBOT_USER_TTL", dur(func(c *Config) *Duration { return &c.Store.UserTTL })},
	{"GITBOT_SWEEP_INTERVAL", dur(func(c *Config) *Duration { return &c.Store.SweepInterval })},
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, ev := range envVars {
		v, ok := lookup(ev.name)
		if !ok || v == "" {
			continue
		}
		if err := ev.set(c, v); err != nil {
			return fmt.Errorf("invalid %s value %q: %w", ev.name, v, err)
		}
	}
	return nil
}

// Validate reports every missing or invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	required := []struct {
		name, value string
	}{
		{"GITBOT_URL", c.BaseURL},
		{"SLACK_BOT_TOKEN", c.Slack.BotToken},
		{"SLACK_SIGNING_SECRET", c.Slack.SigningSecret},
		{"GITLAB_APPID", c.GitLab.AppID},
		{"GITLAB_SECRET", c.GitLab.Secret},
		{"GITLAB_BOT_TOKEN", c.GitLab.BotToken},
	}
	for _, r := range required {
		if r.value == "" {
			errs = append(errs, fmt.Errorf("missing %s", r.name))
		}
	}
	if len(c.GitLab.Scopes) == 0 {
		errs = append(errs, errors.New("missing GITLAB_SCOPES"))
	}
	if c.GitLab.RequestsPerSecond <= 0 {
		errs = append(errs, errors.New("gitlab requests_per_second must be positive"))
	}
	if c.HandlerTimeout.Duration <= 0 {
		errs = append(errs, errors.New("handler_timeout must be positive"))
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store driver %s needs a dsn", c.Store.Driver))
		}
	case DriverDatastore:
		if c.Store.DatastoreProject == "" {
			errs = append(errs, errors.New("store driver datastore needs datastore_project"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	if c.Store.StateTTL.Duration <= 0 || c.Store.UserTTL.Duration <= 0 {
		errs = append(errs, errors.New("store ttls must be positive"))
	}

	return errors.Join(errs...)
}

// RedirectURL is where GitLab sends users back after they sign in.
func (c Config) RedirectURL() string {
	return c.BaseURL + "/gitlab-oauth-redirect"
}

// HookURL is the project hook endpoint registered in GitLab.
func (c Config) HookURL() string {
	return c.BaseURL + "/projecthook-event"
}

// SlackRedirectURL is where Slack sends admins back after installing the app.
func (c Config) SlackRedirectURL() string {
	return c.BaseURL + "/slack-oauth-redirect"
}
