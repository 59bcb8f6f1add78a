// Package bot receives requests from Slack and GitLab and dispatches them to
// handlers.
//
// Slack expects an answer within three seconds, so every endpoint verifies the
// request, acknowledges it and runs the real work in the background. Wait
// blocks until that background work is done.
package bot

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/slack-go/slack"
	"go.opencensus.io/trace"
	"go.uber.org/zap"

	"github.com/gobridge/gitbot/dsl"
	"github.com/gobridge/gitbot/gitlab"
	"github.com/gobridge/gitbot/store"
)

type (
	// Message is a slash command with its parsed arguments.
	Message struct {
		Command dsl.Command
		Slash   slack.SlashCommand
	}

	// Handler handles a slash command.
	Handler interface {
		Handle(ctx context.Context, m Message, r Responder)
	}

	// HandlerFunc adapts a function to Handler.
	HandlerFunc func(ctx context.Context, m Message, r Responder)

	// Action is a single block action from an interactive message.
	Action struct {
		Callback slack.InteractionCallback
		Block    slack.BlockAction
	}

	// ActionHandler handles a block action.
	ActionHandler interface {
		HandleAction(ctx context.Context, a Action, r Responder)
	}

	// ActionHandlerFunc adapts a function to ActionHandler.
	ActionHandlerFunc func(ctx context.Context, a Action, r Responder)

	// PipelineHandler handles pipeline events of connected projects.
	PipelineHandler interface {
		HandlePipeline(ctx context.Context, ev gitlab.ProjectHookEvent, channelID string)
	}

	// PipelineHandlerFunc adapts a function to PipelineHandler.
	PipelineHandlerFunc func(ctx context.Context, ev gitlab.ProjectHookEvent, channelID string)
)

// Handle calls f(ctx, m, r).
func (f HandlerFunc) Handle(ctx context.Context, m Message, r Responder) {
	f(ctx, m, r)
}

// HandleAction calls f(ctx, a, r).
func (f ActionHandlerFunc) HandleAction(ctx context.Context, a Action, r Responder) {
	f(ctx, a, r)
}

// HandlePipeline calls f(ctx, ev, channelID).
func (f PipelineHandlerFunc) HandlePipeline(ctx context.Context, ev gitlab.ProjectHookEvent, channelID string) {
	f(ctx, ev, channelID)
}

// Handlers holds one handler per command.
type Handlers struct {
	Help           Handler
	Login          Handler
	Status         Handler
	ProjectHelp    Handler
	ProjectConnect Handler
}

// For returns the handler for cmd. Commands without a handler get Help.
func (h Handlers) For(cmd dsl.Command) Handler {
	var handler Handler
	switch cmd.(type) {
	case dsl.Login:
		handler = h.Login
	case dsl.Status:
		handler = h.Status
	case dsl.ProjectHelp:
		handler = h.ProjectHelp
	case dsl.ProjectConnect:
		handler = h.ProjectConnect
	}
	if handler == nil {
		handler = h.Help
	}
	return handler
}

// Config configures a Bot.
type Config struct {
	SigningSecret string
	// WebhookSecret, when set, must match the X-Gitlab-Token header of
	// project hook events.
	WebhookSecret string
	// Timeout bounds each background handler.
	Timeout time.Duration

	Handlers  Handlers
	Actions   map[string]ActionHandler
	Pipelines PipelineHandler
	Projects  store.ProjectStore

	HTTPClient *http.Client
	Log        *zap.Logger
}

// Bot serves the Slack and GitLab endpoints.
type Bot struct {
	signingSecret string
	webhookSecret string
	timeout       time.Duration

	handlers  Handlers
	actions   map[string]ActionHandler
	pipelines PipelineHandler
	projects  store.ProjectStore

	poster *poster
	log    *zap.Logger

	wg sync.WaitGroup
}

// New constructs a *Bot.
func New(cfg Config) *Bot {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Bot{
		signingSecret: cfg.SigningSecret,
		webhookSecret: cfg.WebhookSecret,
		timeout:       timeout,
		handlers:      cfg.Handlers,
		actions:       cfg.Actions,
		pipelines:     cfg.Pipelines,
		projects:      cfg.Projects,
		poster:        newPoster(cfg.HTTPClient),
		log:           log,
	}
}

// Routes registers the bot endpoints on r.
func (b *Bot) Routes(r *mux.Router) {
	r.HandleFunc("/slash-command", b.SlashCommand).Methods(http.MethodPost)
	r.HandleFunc("/interactive-endpoint", b.Interactive).Methods(http.MethodPost)
	r.HandleFunc("/projecthook-event", b.ProjectHook).Methods(http.MethodPost)
}

// Wait blocks until every background handler has returned.
func (b *Bot) Wait() {
	b.wg.Wait()
}

// Responder returns a Responder posting to responseURL.
func (b *Bot) Responder(responseURL string) Responder {
	return &responder{url: responseURL, poster: b.poster}
}

// spawn runs fn in the background with its own timeout.
func (b *Bot) spawn(name string, log *zap.Logger, fn func(ctx context.Context)) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error("handler panicked", zap.String("handler", name), zap.Any("panic", r))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		defer cancel()
		ctx, span := trace.StartSpan(ctx, name)
		defer span.End()

		start := time.Now()
		fn(ctx)
		log.Debug("handler done", zap.String("handler", name), zap.Duration("took", time.Since(start)))
	}()
}
