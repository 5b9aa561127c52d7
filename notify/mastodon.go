package notify

import (
	"context"
	"fmt"
	"net/http"
)

// MastodonConfig configures a Mastodon status notifier.
type MastodonConfig struct {
	Host  string
	Token string
	// BaseURL overrides https://<Host>.
	BaseURL string
	Config
}

// Mastodon posts a public status per new build.
type Mastodon struct {
	cfg MastodonConfig
}

func NewMastodon(cfg MastodonConfig) *Mastodon {
	cfg.defaults()
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://" + cfg.Host
	}
	return &Mastodon{cfg: cfg}
}

type mastodonStatus struct {
	Status     string `json:"status"`
	Visibility string `json:"visibility"`
	Language   string `json:"language"`
}

func status(ev *Event) string {
	s := ev.released("")
	link := ev.Target.Link
	if link != "" {
		s += "\n\n" + link
	}
	if ev.MessageURL != "" {
		if link == "" {
			s += "\n"
		}
		s += "\n" + ev.MessageURL
	}
	return s
}

// Notify posts the status. The Idempotency-Key makes a retried post safe.
func (m *Mastodon) Notify(ctx context.Context, ev *Event) error {
	r := ev.Record
	header := http.Header{}
	header.Set("Authorization", "Bearer "+m.cfg.Token)
	header.Set("Idempotency-Key", r.Version+"-Web-"+r.Revision)

	body := mastodonStatus{Status: status(ev), Visibility: "public", Language: "en"}
	var posted struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := send(ctx, &m.cfg.Config, http.MethodPost, m.cfg.BaseURL+"/api/v1/statuses", header, body, &posted); err != nil {
		return fmt.Errorf("notify: mastodon: %w", err)
	}
	m.cfg.Logger.Info("notify: mastodon status posted", "target", ev.Target.Name, "token", r.Token(), "url", posted.URL)
	return nil
}
