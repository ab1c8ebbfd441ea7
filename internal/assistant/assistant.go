// Package assistant bridges inbound channel messages to the upstream
// assistant runtime over a webhook.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/outpostai/outpost/internal/channel"
	"github.com/outpostai/outpost/internal/logger"
	"github.com/outpostai/outpost/internal/session"
)

// Sender delivers the assistant's reply back over a channel.
type Sender interface {
	Send(ctx context.Context, target string, recipientID, content string, metadata map[string]any) []channel.SendResult
}

// request is the payload forwarded to the webhook.
type request struct {
	SessionID string         `json:"session_id"`
	Channel   string         `json:"channel"`
	SenderID  string         `json:"sender_id"`
	Sender    string         `json:"sender_name,omitempty"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// response is the webhook's answer. An empty reply means the assistant
// chose not to respond on this turn.
type response struct {
	Reply string `json:"reply"`
}

// Gateway forwards messages to the assistant webhook and relays replies.
// Without a configured webhook it only logs, which keeps the channel layer
// testable on its own.
type Gateway struct {
	webhookURL string
	client     *http.Client
	sender     Sender
	log        *slog.Logger
}

// NewGateway builds the webhook gateway. sender is set later via Bind to
// break the construction cycle with the router.
func NewGateway(webhookURL string, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Gateway{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: timeout},
		log:        logger.L.With(slog.String("component", "assistant_gateway")),
	}
}

// Bind installs the outbound sender used for replies.
func (g *Gateway) Bind(sender Sender) {
	g.sender = sender
}

// HandleMessage implements the router's Assistant contract. It runs on the
// sender's serial lane, so the webhook call itself preserves per-sender
// ordering.
func (g *Gateway) HandleMessage(ctx context.Context, mapping session.Mapping, msg channel.IncomingMessage) {
	if g.webhookURL == "" {
		g.log.Info("inbound message (no assistant webhook configured)",
			slog.String("channel", msg.ChannelType.String()),
			slog.String("session_id", mapping.SessionID),
			slog.String("sender_id", msg.SenderID))
		return
	}

	reply, err := g.forward(ctx, mapping, msg)
	if err != nil {
		g.log.Error("assistant webhook failed",
			slog.String("session_id", mapping.SessionID),
			slog.Any("error", err))
		return
	}
	if reply == "" || g.sender == nil {
		return
	}

	results := g.sender.Send(ctx, msg.ChannelType.String(), msg.SenderID, reply, replyMetadata(msg))
	for _, res := range results {
		if !res.Success {
			g.log.Error("assistant reply delivery failed",
				slog.String("channel", msg.ChannelType.String()),
				slog.String("error", res.Error))
		}
	}
}

func (g *Gateway) forward(ctx context.Context, mapping session.Mapping, msg channel.IncomingMessage) (string, error) {
	payload, err := json.Marshal(request{
		SessionID: mapping.SessionID,
		Channel:   msg.ChannelType.String(),
		SenderID:  msg.SenderID,
		Sender:    msg.SenderName,
		Content:   msg.Content,
		Metadata:  msg.Metadata,
	})
	if err != nil {
		return "", fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("webhook status %d", resp.StatusCode)
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode webhook response: %w", err)
	}
	return out.Reply, nil
}

// replyMetadata carries the routing hints a reply needs: the DM channel
// for Discord/Slack and the threading headers for email.
func replyMetadata(msg channel.IncomingMessage) map[string]any {
	md := map[string]any{}
	for _, key := range []string{"dm_channel_id", "im_channel_id", "chat_id", "chat_jid", "subject"} {
		if v := msg.MetadataString(key); v != "" {
			md[key] = v
		}
	}
	if msg.ChannelType == channel.TypeEmail {
		if id := msg.MetadataString("message_id"); id != "" {
			md["in_reply_to"] = id
		}
		if refs, ok := msg.Metadata["references"].([]string); ok {
			md["references"] = refs
		}
	}
	return md
}
