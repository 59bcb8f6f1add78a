package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/slack-go/slack"
	"go.opencensus.io/trace"
	"gopkg.in/cenkalti/backoff.v1"
)

const responseTypeInChannel = "in_channel"

// Responder answers a slash command or an interaction through its response_url.
type Responder interface {
	// Respond posts text visible only to the user who ran the command.
	Respond(ctx context.Context, text string) error
	// RespondInChannel posts text visible to the whole channel.
	RespondInChannel(ctx context.Context, text string) error
	// ReplaceOriginal replaces the message the response_url belongs to.
	ReplaceOriginal(ctx context.Context, text string) error
	// RespondWithBlocks posts msg unchanged.
	RespondWithBlocks(ctx context.Context, msg slack.WebhookMessage) error
}

// Markdown returns a message made of a single mrkdwn section.
func Markdown(text string) slack.WebhookMessage {
	return slack.WebhookMessage{
		Text:   text,
		Blocks: &slack.Blocks{BlockSet: []slack.Block{MarkdownSection(text)}},
	}
}

// MarkdownSection returns a section block showing text.
func MarkdownSection(text string) *slack.SectionBlock {
	return slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil)
}

type responder struct {
	url    string
	poster *poster
}

func (r *responder) Respond(ctx context.Context, text string) error {
	return r.poster.post(ctx, r.url, Markdown(text))
}

func (r *responder) RespondInChannel(ctx context.Context, text string) error {
	msg := Markdown(text)
	msg.ResponseType = responseTypeInChannel
	return r.poster.post(ctx, r.url, msg)
}

func (r *responder) ReplaceOriginal(ctx context.Context, text string) error {
	msg := Markdown(text)
	msg.ReplaceOriginal = true
	return r.poster.post(ctx, r.url, msg)
}

func (r *responder) RespondWithBlocks(ctx context.Context, msg slack.WebhookMessage) error {
	return r.poster.post(ctx, r.url, msg)
}

// statusError is a response_url answer with an unexpected status.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("response_url returned %d: %s", e.code, e.body)
}

func (e *statusError) temporary() bool {
	return e.code == http.StatusTooManyRequests || e.code >= 500
}

// poster posts JSON messages to response URLs, retrying network errors,
// throttling and server errors.
type poster struct {
	client          *http.Client
	initialInterval time.Duration
	maxElapsedTime  time.Duration
}

func newPoster(c *http.Client) *poster {
	if c == nil {
		c = http.DefaultClient
	}
	return &poster{
		client:          c,
		initialInterval: 500 * time.Millisecond,
		maxElapsedTime:  30 * time.Second,
	}
}

func (p *poster) post(ctx context.Context, url string, msg slack.WebhookMessage) error {
	ctx, span := trace.StartSpan(ctx, "bot.Respond")
	defer span.End()

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	var permanent error
	op := func() error {
		err := p.postOnce(ctx, url, body)
		if se, ok := err.(*statusError); ok && !se.temporary() {
			permanent = err
			return nil
		}
		if err != nil && ctx.Err() != nil {
			permanent = err
			return nil
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initialInterval
	b.MaxElapsedTime = p.maxElapsedTime
	if err := backoff.Retry(op, b); err != nil {
		return err
	}
	return permanent
}

func (p *poster) postOnce(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &statusError{code: resp.StatusCode, body: string(data)}
	}
	return nil
}
