// Package discord connects the assistant to Discord through the bot
// gateway. Only direct messages are forwarded.
package discord

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/outpostai/outpost/internal/channel"
	"github.com/outpostai/outpost/internal/logger"
)

// newSession is swapped in tests to avoid real gateway connections.
var newSession = discordgo.New

// Adapter implements channel.Adapter for a Discord bot account.
type Adapter struct {
	conn    channel.Connection
	sink    channel.StateSink
	handler channel.InboundHandler
	log     *slog.Logger

	mu      sync.Mutex
	session *discordgo.Session
	status  channel.Status
	retry   channel.Reconnector
}

// New builds the Discord adapter factory.
func New() channel.Factory {
	return func(conn channel.Connection, sink channel.StateSink, handler channel.InboundHandler) (channel.Adapter, error) {
		return &Adapter{
			conn:    conn,
			sink:    sink,
			handler: handler,
			log:     logger.L.With(slog.String("adapter", "discord")),
			status:  channel.StatusDisconnected,
		}, nil
	}
}

// Type returns the Discord channel type.
func (a *Adapter) Type() channel.Type { return channel.TypeDiscord }

// Status reports the adapter's current lifecycle state.
func (a *Adapter) Status() channel.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Initialize opens the gateway session with the stored bot token. A missing
// token settles the adapter in credentials_required without dialing.
func (a *Adapter) Initialize(ctx context.Context) error {
	token := a.conn.AuthState.String("bot_token")
	if token == "" {
		a.setStatus(channel.StatusCredentialsRequired)
		return channel.ErrMissingCredentials
	}
	a.retry.Reset()
	a.connect(token)
	return nil
}

func (a *Adapter) connect(token string) {
	a.setStatus(channel.StatusConnecting)

	session, err := newSession("Bot " + token)
	if err != nil {
		a.log.Error("create session failed", slog.Any("error", err))
		a.setStatus(channel.StatusDisconnected)
		a.scheduleReconnect(token)
		return
	}
	// The retry timer owns reconnection; the library must not race it.
	session.ShouldReconnectOnError = false
	session.Identify.Intents = discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	session.AddHandler(a.onReady)
	session.AddHandler(a.onMessage)
	session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		a.log.Warn("gateway disconnected")
		a.setStatus(channel.StatusDisconnected)
		a.scheduleReconnect(token)
	})

	if err := session.Open(); err != nil {
		a.log.Error("open gateway failed", slog.Any("error", err))
		a.setStatus(channel.StatusDisconnected)
		a.scheduleReconnect(token)
		return
	}

	a.mu.Lock()
	a.session = session
	a.status = channel.StatusConnected
	a.mu.Unlock()
	a.sink.SetStatus(a.conn.ID, channel.StatusConnected)
}

func (a *Adapter) onReady(s *discordgo.Session, _ *discordgo.Ready) {
	if s.State != nil && s.State.User != nil {
		name := s.State.User.Username
		a.sink.SetDisplayName(a.conn.ID, name)
		a.log.Info("connected", slog.String("bot", name))
	}
}

func (a *Adapter) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	// A message without a guild ID arrived over a DM channel.
	if m.GuildID != "" {
		return
	}
	content := strings.TrimSpace(m.Content)
	if content == "" {
		return
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	inbound := channel.IncomingMessage{
		ChannelType:  channel.TypeDiscord,
		ConnectionID: a.conn.ID,
		SenderID:     m.Author.ID,
		SenderName:   m.Author.Username,
		Content:      content,
		Timestamp:    ts.UTC(),
		Metadata: map[string]any{
			"dm_channel_id": m.ChannelID,
			"message_id":    m.ID,
		},
	}
	if a.handler != nil {
		a.handler(context.Background(), inbound)
	}
}

func (a *Adapter) scheduleReconnect(token string) {
	scheduled := a.retry.Schedule(func() {
		a.closeSession()
		a.connect(token)
	})
	if scheduled {
		a.log.Info("reconnect scheduled", slog.Duration("delay", channel.ReconnectDelay))
	}
}

func (a *Adapter) closeSession() {
	a.mu.Lock()
	session := a.session
	a.session = nil
	a.mu.Unlock()
	if session != nil {
		if err := session.Close(); err != nil {
			a.log.Warn("close session", slog.Any("error", err))
		}
	}
}

// Shutdown closes the gateway session and cancels any pending reconnect.
func (a *Adapter) Shutdown(_ context.Context) error {
	a.retry.Cancel()
	a.closeSession()
	a.mu.Lock()
	a.status = channel.StatusDisconnected
	a.mu.Unlock()
	return nil
}

// SendMessage opens (or reuses) the DM channel for a user ID and delivers
// content in chunks within Discord's message limit. The recipient may also
// be a DM channel ID passed through metadata from an earlier inbound.
func (a *Adapter) SendMessage(ctx context.Context, recipientID, content string, metadata map[string]any) channel.SendResult {
	a.mu.Lock()
	session := a.session
	status := a.status
	a.mu.Unlock()
	if session == nil || status != channel.StatusConnected {
		return channel.SendResult{Error: channel.ErrNotConnected.Error()}
	}

	channelID, _ := metadata["dm_channel_id"].(string)
	if channelID == "" {
		dm, err := session.UserChannelCreate(strings.TrimSpace(recipientID))
		if err != nil {
			a.log.Error("open dm channel failed", slog.String("user_id", recipientID), slog.Any("error", err))
			return channel.SendResult{Error: err.Error()}
		}
		channelID = dm.ID
	}

	var lastID string
	for i, chunk := range channel.SplitMessage(content, channel.DiscordMessageLimit) {
		if i > 0 {
			if err := channel.PauseBetweenChunks(ctx); err != nil {
				return channel.SendResult{Error: err.Error()}
			}
		}
		if err := ctx.Err(); err != nil {
			return channel.SendResult{Error: err.Error()}
		}
		sent, err := session.ChannelMessageSend(channelID, chunk)
		if err != nil {
			a.log.Error("send failed", slog.String("channel_id", channelID), slog.Any("error", err))
			return channel.SendResult{Error: err.Error()}
		}
		lastID = sent.ID
	}
	return channel.SendResult{Success: true, MessageID: lastID}
}

func (a *Adapter) setStatus(status channel.Status) {
	a.mu.Lock()
	a.status = status
	a.mu.Unlock()
	a.sink.SetStatus(a.conn.ID, status)
}
