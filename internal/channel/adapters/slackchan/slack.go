// Package slackchan connects the assistant to Slack over Socket Mode, so
// no public HTTP endpoint is needed for events.
package slackchan

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/outpostai/outpost/internal/channel"
	"github.com/outpostai/outpost/internal/logger"
)

// Adapter implements channel.Adapter for a Slack app over Socket Mode.
// It requires both a bot token (xoxb-) and an app-level token (xapp-).
type Adapter struct {
	conn    channel.Connection
	sink    channel.StateSink
	handler channel.InboundHandler
	log     *slog.Logger

	mu     sync.Mutex
	api    *slack.Client
	cancel context.CancelFunc
	done   chan struct{}
	status channel.Status
	retry  channel.Reconnector
}

// New builds the Slack adapter factory.
func New() channel.Factory {
	return func(conn channel.Connection, sink channel.StateSink, handler channel.InboundHandler) (channel.Adapter, error) {
		return &Adapter{
			conn:    conn,
			sink:    sink,
			handler: handler,
			log:     logger.L.With(slog.String("adapter", "slack")),
			status:  channel.StatusDisconnected,
		}, nil
	}
}

// Type returns the Slack channel type.
func (a *Adapter) Type() channel.Type { return channel.TypeSlack }

// Status reports the adapter's current lifecycle state.
func (a *Adapter) Status() channel.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Initialize opens the Socket Mode connection. Both tokens must be present
// or the adapter settles in credentials_required without dialing.
func (a *Adapter) Initialize(ctx context.Context) error {
	botToken := a.conn.AuthState.String("bot_token")
	appToken := a.conn.AuthState.String("app_token")
	if botToken == "" || appToken == "" {
		a.setStatus(channel.StatusCredentialsRequired)
		return channel.ErrMissingCredentials
	}
	a.retry.Reset()
	a.connect(botToken, appToken)
	return nil
}

func (a *Adapter) connect(botToken, appToken string) {
	a.setStatus(channel.StatusConnecting)

	api := slack.New(botToken, slack.OptionAppLevelToken(appToken))
	auth, err := api.AuthTest()
	if err != nil {
		a.log.Error("auth test failed", slog.Any("error", err))
		a.setStatus(channel.StatusDisconnected)
		a.scheduleReconnect(botToken, appToken)
		return
	}

	sock := socketmode.New(api)
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	a.mu.Lock()
	a.api = api
	a.cancel = cancel
	a.done = done
	a.status = channel.StatusConnected
	a.mu.Unlock()
	a.sink.SetStatus(a.conn.ID, channel.StatusConnected)
	a.sink.SetDisplayName(a.conn.ID, auth.User)
	a.log.Info("connected", slog.String("bot", auth.User), slog.String("team", auth.Team))

	go a.eventLoop(runCtx, sock, done)
	go func() {
		err := sock.RunContext(runCtx)
		if runCtx.Err() == nil {
			a.log.Warn("socket mode stopped", slog.Any("error", err))
			a.setStatus(channel.StatusDisconnected)
			a.scheduleReconnect(botToken, appToken)
		}
	}()
}

func (a *Adapter) eventLoop(ctx context.Context, sock *socketmode.Client, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sock.Events:
			if !ok {
				return
			}
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			payload, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok {
				continue
			}
			if evt.Request != nil {
				sock.Ack(*evt.Request)
			}
			if msg, ok := payload.InnerEvent.Data.(*slackevents.MessageEvent); ok {
				a.handleMessage(ctx, msg)
			}
		}
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *slackevents.MessageEvent) {
	// Only direct messages from humans; edits and bot echoes are skipped.
	if msg.ChannelType != "im" || msg.BotID != "" || msg.SubType != "" {
		return
	}
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}
	inbound := channel.IncomingMessage{
		ChannelType:  channel.TypeSlack,
		ConnectionID: a.conn.ID,
		SenderID:     msg.User,
		Content:      content,
		Timestamp:    parseSlackTimestamp(msg.TimeStamp),
		Metadata: map[string]any{
			"im_channel_id": msg.Channel,
			"event_ts":      msg.TimeStamp,
		},
	}
	if a.handler != nil {
		a.handler(ctx, inbound)
	}
}

// parseSlackTimestamp converts Slack's "1700000000.000200" event timestamps.
func parseSlackTimestamp(ts string) time.Time {
	sec, _, _ := strings.Cut(ts, ".")
	if sec == "" {
		return time.Now().UTC()
	}
	var unix int64
	for _, r := range sec {
		if r < '0' || r > '9' {
			return time.Now().UTC()
		}
		unix = unix*10 + int64(r-'0')
	}
	return time.Unix(unix, 0).UTC()
}

func (a *Adapter) scheduleReconnect(botToken, appToken string) {
	scheduled := a.retry.Schedule(func() {
		a.stopSocket()
		a.connect(botToken, appToken)
	})
	if scheduled {
		a.log.Info("reconnect scheduled", slog.Duration("delay", channel.ReconnectDelay))
	}
}

func (a *Adapter) stopSocket() {
	a.mu.Lock()
	cancel := a.cancel
	done := a.done
	a.cancel = nil
	a.done = nil
	a.api = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Shutdown stops the Socket Mode loops and cancels any pending reconnect.
func (a *Adapter) Shutdown(_ context.Context) error {
	a.retry.Cancel()
	a.stopSocket()
	a.mu.Lock()
	a.status = channel.StatusDisconnected
	a.mu.Unlock()
	return nil
}

// SendMessage posts content to a user's DM conversation, chunked within
// Slack's recommended message size.
func (a *Adapter) SendMessage(ctx context.Context, recipientID, content string, metadata map[string]any) channel.SendResult {
	a.mu.Lock()
	api := a.api
	status := a.status
	a.mu.Unlock()
	if api == nil || status != channel.StatusConnected {
		return channel.SendResult{Error: channel.ErrNotConnected.Error()}
	}

	channelID, _ := metadata["im_channel_id"].(string)
	if channelID == "" {
		conv, _, _, err := api.OpenConversationContext(ctx, &slack.OpenConversationParameters{
			Users: []string{strings.TrimSpace(recipientID)},
		})
		if err != nil {
			a.log.Error("open conversation failed", slog.String("user_id", recipientID), slog.Any("error", err))
			return channel.SendResult{Error: err.Error()}
		}
		channelID = conv.ID
	}

	var lastTS string
	for i, chunk := range channel.SplitMessage(content, channel.SlackMessageLimit) {
		if i > 0 {
			if err := channel.PauseBetweenChunks(ctx); err != nil {
				return channel.SendResult{Error: err.Error()}
			}
		}
		if err := ctx.Err(); err != nil {
			return channel.SendResult{Error: err.Error()}
		}
		section := slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, chunk, false, false), nil, nil)
		_, ts, err := api.PostMessageContext(ctx, channelID,
			slack.MsgOptionBlocks(section),
			slack.MsgOptionText(chunk, false))
		if err != nil {
			a.log.Error("send failed", slog.String("channel_id", channelID), slog.Any("error", err))
			return channel.SendResult{Error: err.Error()}
		}
		lastTS = ts
	}
	return channel.SendResult{Success: true, MessageID: lastTS}
}

func (a *Adapter) setStatus(status channel.Status) {
	a.mu.Lock()
	a.status = status
	a.mu.Unlock()
	a.sink.SetStatus(a.conn.ID, status)
}
