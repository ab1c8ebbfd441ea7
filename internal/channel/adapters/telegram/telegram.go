// Package telegram connects the assistant to Telegram through the Bot API
// long-polling transport.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/outpostai/outpost/internal/channel"
	"github.com/outpostai/outpost/internal/logger"
)

// dialBot is swapped in tests to avoid real API calls.
var dialBot = tgbotapi.NewBotAPI

// Adapter implements channel.Adapter for Telegram bot accounts. Only
// private chats are forwarded; group traffic is ignored.
type Adapter struct {
	conn    channel.Connection
	sink    channel.StateSink
	handler channel.InboundHandler
	log     *slog.Logger

	mu     sync.Mutex
	bot    *tgbotapi.BotAPI
	cancel context.CancelFunc
	done   chan struct{}
	status channel.Status
	retry  channel.Reconnector
}

// New builds the Telegram adapter factory.
func New() channel.Factory {
	return func(conn channel.Connection, sink channel.StateSink, handler channel.InboundHandler) (channel.Adapter, error) {
		return &Adapter{
			conn:    conn,
			sink:    sink,
			handler: handler,
			log:     logger.L.With(slog.String("adapter", "telegram")),
			status:  channel.StatusDisconnected,
		}, nil
	}
}

// Type returns the Telegram channel type.
func (a *Adapter) Type() channel.Type { return channel.TypeTelegram }

// Status reports the adapter's current lifecycle state.
func (a *Adapter) Status() channel.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Initialize validates the stored bot token and starts long-polling.
// Without a token the adapter settles in credentials_required and never
// dials out.
func (a *Adapter) Initialize(ctx context.Context) error {
	token := a.conn.AuthState.String("bot_token")
	if token == "" {
		a.setStatus(channel.StatusCredentialsRequired)
		return channel.ErrMissingCredentials
	}
	a.retry.Reset()
	a.connect(ctx, token)
	return nil
}

func (a *Adapter) connect(ctx context.Context, token string) {
	a.setStatus(channel.StatusConnecting)

	bot, err := dialBot(token)
	if err != nil {
		a.log.Error("create bot failed", slog.Any("error", err))
		a.setStatus(channel.StatusDisconnected)
		a.scheduleReconnect(token)
		return
	}

	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 30
	updates := bot.GetUpdatesChan(updateConfig)
	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	a.mu.Lock()
	a.bot = bot
	a.cancel = cancel
	a.done = done
	a.status = channel.StatusConnected
	a.mu.Unlock()
	a.sink.SetStatus(a.conn.ID, channel.StatusConnected)
	a.sink.SetDisplayName(a.conn.ID, "@"+bot.Self.UserName)
	a.log.Info("connected", slog.String("bot", bot.Self.UserName))

	go a.poll(pollCtx, bot, updates, token, done)
}

func (a *Adapter) poll(ctx context.Context, bot *tgbotapi.BotAPI, updates tgbotapi.UpdatesChannel, token string, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				// The library closes the channel when polling dies.
				a.log.Warn("updates channel closed")
				a.setStatus(channel.StatusDisconnected)
				a.scheduleReconnect(token)
				return
			}
			a.handleUpdate(ctx, update)
		}
	}
}

func (a *Adapter) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.From.IsBot {
		return
	}
	if msg.Chat == nil || msg.Chat.Type != "private" {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}
	if text == "" {
		return
	}
	senderName := strings.TrimSpace(msg.From.UserName)
	if senderName == "" {
		senderName = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	}
	inbound := channel.IncomingMessage{
		ChannelType:  channel.TypeTelegram,
		ConnectionID: a.conn.ID,
		SenderID:     strconv.FormatInt(msg.From.ID, 10),
		SenderName:   senderName,
		Content:      text,
		Timestamp:    time.Unix(int64(msg.Date), 0).UTC(),
		Metadata: map[string]any{
			"chat_id":    strconv.FormatInt(msg.Chat.ID, 10),
			"message_id": strconv.Itoa(msg.MessageID),
		},
	}
	if a.handler != nil {
		a.handler(ctx, inbound)
	}
}

func (a *Adapter) scheduleReconnect(token string) {
	scheduled := a.retry.Schedule(func() {
		a.connect(context.Background(), token)
	})
	if scheduled {
		a.log.Info("reconnect scheduled", slog.Duration("delay", channel.ReconnectDelay))
	}
}

// Shutdown stops polling and cancels any pending reconnect. It blocks until
// the poll goroutine has exited.
func (a *Adapter) Shutdown(ctx context.Context) error {
	a.retry.Cancel()

	a.mu.Lock()
	bot := a.bot
	cancel := a.cancel
	done := a.done
	a.bot = nil
	a.cancel = nil
	a.done = nil
	a.status = channel.StatusDisconnected
	a.mu.Unlock()

	if bot != nil {
		bot.StopReceivingUpdates()
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// SendMessage delivers content to a chat ID, splitting into messages within
// Telegram's size limit.
func (a *Adapter) SendMessage(ctx context.Context, recipientID, content string, _ map[string]any) channel.SendResult {
	a.mu.Lock()
	bot := a.bot
	status := a.status
	a.mu.Unlock()
	if bot == nil || status != channel.StatusConnected {
		return channel.SendResult{Error: channel.ErrNotConnected.Error()}
	}

	chatID, err := strconv.ParseInt(strings.TrimSpace(recipientID), 10, 64)
	if err != nil {
		return channel.SendResult{Error: fmt.Sprintf("telegram recipient must be a chat id: %s", recipientID)}
	}

	var lastID string
	for i, chunk := range channel.SplitMessage(content, channel.TelegramMessageLimit) {
		if i > 0 {
			if err := channel.PauseBetweenChunks(ctx); err != nil {
				return channel.SendResult{Error: err.Error()}
			}
		}
		if err := ctx.Err(); err != nil {
			return channel.SendResult{Error: err.Error()}
		}
		sent, err := bot.Send(tgbotapi.NewMessage(chatID, chunk))
		if err != nil {
			a.log.Error("send failed", slog.Int64("chat_id", chatID), slog.Any("error", err))
			return channel.SendResult{Error: err.Error()}
		}
		lastID = strconv.Itoa(sent.MessageID)
	}
	return channel.SendResult{Success: true, MessageID: lastID}
}

func (a *Adapter) setStatus(status channel.Status) {
	a.mu.Lock()
	a.status = status
	a.mu.Unlock()
	a.sink.SetStatus(a.conn.ID, status)
}
