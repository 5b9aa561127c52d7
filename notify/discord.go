package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// Discord field values are capped at 1024 characters.
const maxFieldValue = 1024

// DiscordConfig configures a Discord webhook notifier.
type DiscordConfig struct {
	WebhookID    string
	WebhookToken string
	// Mention is a user or role id pinged in the message content.
	Mention string
	// GuildID links posted messages. When empty it is read from the
	// webhook once.
	GuildID string
	// BaseURL defaults to https://discord.com/api.
	BaseURL string
	Config
}

// Discord posts an embed per new build through a webhook.
type Discord struct {
	cfg DiscordConfig

	mu      sync.Mutex
	guildID string
	looked  bool
}

func NewDiscord(cfg DiscordConfig) *Discord {
	cfg.defaults()
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://discord.com/api"
	}
	return &Discord{cfg: cfg, guildID: cfg.GuildID, looked: cfg.GuildID != ""}
}

func (d *Discord) webhookURL() string {
	return d.cfg.BaseURL + "/webhooks/" + d.cfg.WebhookID + "/" + d.cfg.WebhookToken
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordEmbed struct {
	Title  string         `json:"title"`
	Color  int            `json:"color,omitempty"`
	URL    string         `json:"url,omitempty"`
	Fields []discordField `json:"fields"`
}

type discordMessage struct {
	Content string         `json:"content"`
	Embeds  []discordEmbed `json:"embeds"`
}

func (d *Discord) message(ev *Event) discordMessage {
	r := ev.Record
	kind := "version"
	if len(ev.Siblings) > 0 {
		kind = "revision"
	}
	embed := discordEmbed{
		Title: "New " + ev.appName() + " " + kind + " detected",
		Color: ev.Target.Colour,
		URL:   ev.Target.Link,
	}
	if r.Version != "" {
		embed.Fields = append(embed.Fields, discordField{Name: "Version", Value: r.Version, Inline: true})
	}
	embed.Fields = append(embed.Fields,
		discordField{Name: "Platform", Value: "Web", Inline: true},
		discordField{Name: "Source", Value: "Web", Inline: true},
	)
	if r.Revision != "" {
		embed.Fields = append(embed.Fields, discordField{Name: "Revision", Value: "`" + r.Revision + "`"})
	}
	if r.BuildID != "" {
		embed.Fields = append(embed.Fields, discordField{Name: "Build ID", Value: "`" + r.BuildID + "`"})
	}
	if ev.EnvChanged && r.AppEnv != nil {
		embed.Fields = append(embed.Fields, discordField{Name: "Environment variables", Value: envBlock(r.AppEnv)})
	}

	mention := ""
	if d.cfg.Mention != "" {
		mention = "<@" + d.cfg.Mention + "> "
	}
	return discordMessage{Content: mention + ev.released("`"), Embeds: []discordEmbed{embed}}
}

// envBlock renders v as an indented JSON code block that fits a field.
func envBlock(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "`unavailable`"
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "    "); err != nil {
		return "`unavailable`"
	}
	const fenceOpen, fenceClose = "```json\n", "\n```"
	body := buf.String()
	if room := maxFieldValue - len(fenceOpen) - len(fenceClose); len(body) > room {
		body = body[:room-len("\n...")] + "\n..."
	}
	return fenceOpen + body + fenceClose
}

// guild returns the webhook's guild id, asking Discord once.
func (d *Discord) guild(ctx context.Context) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.looked {
		return d.guildID
	}
	d.looked = true
	var info struct {
		GuildID string `json:"guild_id"`
	}
	if err := send(ctx, &d.cfg.Config, http.MethodGet, d.webhookURL(), nil, nil, &info); err != nil {
		d.cfg.Logger.Warn("notify: discord webhook lookup failed", "error", err)
		return ""
	}
	d.guildID = info.GuildID
	return d.guildID
}

// Notify posts the message and records its link on ev.
func (d *Discord) Notify(ctx context.Context, ev *Event) error {
	msg := d.message(ev)
	var posted struct {
		ID        string `json:"id"`
		ChannelID string `json:"channel_id"`
	}
	if err := send(ctx, &d.cfg.Config, http.MethodPost, d.webhookURL()+"?wait=true", nil, msg, &posted); err != nil {
		return fmt.Errorf("notify: discord: %w", err)
	}
	if g := d.guild(ctx); g != "" && posted.ID != "" {
		ev.MessageURL = "https://discord.com/channels/" + g + "/" + posted.ChannelID + "/" + posted.ID
	}
	d.cfg.Logger.Info("notify: discord message sent", "target", ev.Target.Name, "token", ev.Record.Token(), "message_id", posted.ID)
	return nil
}
