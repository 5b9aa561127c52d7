// Package notify announces new builds on Discord and Mastodon.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/bundlewatch/bundle"
	"github.com/hazyhaar/bundlewatch/known"
)

// Event is one new build to announce.
type Event struct {
	Target bundle.Target
	Record *bundle.Record
	// Siblings are earlier tokens of the same version. A non-empty list
	// makes the announcement a new revision rather than a new version.
	Siblings   []string
	EnvChanged bool
	// MessageURL links the Discord message once it has been posted.
	MessageURL string
}

// NewEvent pairs a record with the store's verdict on it.
func NewEvent(t bundle.Target, rec *bundle.Record, obs *known.Observation) *Event {
	return &Event{Target: t, Record: rec, Siblings: obs.Siblings, EnvChanged: obs.EnvChanged}
}

func (e *Event) appName() string {
	if e.Target.App != "" {
		return e.Target.App
	}
	return e.Target.Name
}

// released is the one-line announcement shared by every channel.
func (e *Event) released(quote string) string {
	r := e.Record
	if r.Version != "" {
		s := e.appName() + " v" + r.Version
		if r.Revision != "" {
			s += "-" + r.Revision[:min(8, len(r.Revision))]
		}
		return s + " released"
	}
	return e.appName() + " revision " + quote + r.Revision + quote + " released"
}

// Notifier delivers an Event. Implementations may annotate it for the
// notifiers that follow.
type Notifier interface {
	Notify(ctx context.Context, ev *Event) error
}

// Multi runs notifiers in order. Every one is attempted; errors are joined.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev *Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Config holds settings shared by the HTTP notifiers.
type Config struct {
	Client *http.Client
	// MaxRetries after the first attempt. Default: 3.
	MaxRetries int
	// Backoff before the first retry, doubled each time. Default: 1s.
	Backoff time.Duration
	Logger  *slog.Logger
}

func (c *Config) defaults() {
	if c.Client == nil {
		c.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// FromEnv builds the notifiers whose settings are present:
// DISCORD_WEBHOOK_ID, DISCORD_WEBHOOK_TOKEN, DISCORD_WEBHOOK_MENTION,
// DISCORD_GUILD_ID, MASTODON_HOST and MASTODON_TOKEN.
func FromEnv(getenv func(string) string, cfg Config) Multi {
	var m Multi
	if id := getenv("DISCORD_WEBHOOK_ID"); id != "" {
		m = append(m, NewDiscord(DiscordConfig{
			WebhookID:    id,
			WebhookToken: getenv("DISCORD_WEBHOOK_TOKEN"),
			Mention:      getenv("DISCORD_WEBHOOK_MENTION"),
			GuildID:      getenv("DISCORD_GUILD_ID"),
			Config:       cfg,
		}))
	}
	if tok := getenv("MASTODON_TOKEN"); tok != "" {
		m = append(m, NewMastodon(MastodonConfig{
			Host:   getenv("MASTODON_HOST"),
			Token:  tok,
			Config: cfg,
		}))
	}
	return m
}
