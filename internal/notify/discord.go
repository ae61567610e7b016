package notify

import (
	"context"
	"net/http"
)

const discordMaxContent = 2000

// DiscordSender posts to a Discord webhook.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{webhookURL: webhookURL, client: newSenderClient()}
}

// Send posts the title in bold followed by the message, cut to Discord's
// content limit.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	return postJSON(ctx, d.client, d.Name(), d.webhookURL, map[string]string{
		"content":  truncate("**"+title+"**\n"+message, discordMaxContent),
		"username": "poolsniper",
	})
}

func (d *DiscordSender) Name() string { return "discord" }
