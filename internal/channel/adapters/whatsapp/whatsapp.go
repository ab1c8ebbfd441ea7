// Package whatsapp connects the assistant to WhatsApp through a local
// bridge process speaking a small JSON protocol over a websocket. The
// bridge owns the WhatsApp Web session; this adapter relays events and
// renders the pairing QR code.
package whatsapp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/outpostai/outpost/internal/channel"
	"github.com/outpostai/outpost/internal/logger"
)

// bridgeEvent is one frame from the bridge.
type bridgeEvent struct {
	Type     string          `json:"type"`
	QR       string          `json:"qr,omitempty"`
	Name     string          `json:"name,omitempty"`
	Session  json.RawMessage `json:"session,omitempty"`
	From     string          `json:"from,omitempty"`
	FromName string          `json:"from_name,omitempty"`
	Chat     string          `json:"chat,omitempty"`
	Content  string          `json:"content,omitempty"`
	ID       string          `json:"id,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// bridgeCommand is one frame to the bridge.
type bridgeCommand struct {
	Type    string          `json:"type"`
	To      string          `json:"to,omitempty"`
	Content string          `json:"content,omitempty"`
	Session json.RawMessage `json:"session,omitempty"`
}

// Adapter implements channel.Adapter, channel.Pairer, and
// channel.LogoutAdapter over the bridge protocol.
type Adapter struct {
	conn      channel.Connection
	sink      channel.StateSink
	handler   channel.InboundHandler
	bridgeURL string
	log       *slog.Logger

	mu      sync.Mutex
	ws      *websocket.Conn
	done    chan struct{}
	status  channel.Status
	qr      string
	closing bool
	retry   channel.Reconnector
}

// New builds the WhatsApp adapter factory for a bridge at bridgeURL.
func New(bridgeURL string) channel.Factory {
	return func(conn channel.Connection, sink channel.StateSink, handler channel.InboundHandler) (channel.Adapter, error) {
		return &Adapter{
			conn:      conn,
			sink:      sink,
			handler:   handler,
			bridgeURL: bridgeURL,
			log:       logger.L.With(slog.String("adapter", "whatsapp")),
			status:    channel.StatusDisconnected,
		}, nil
	}
}

// Type returns the WhatsApp channel type.
func (a *Adapter) Type() channel.Type { return channel.TypeWhatsApp }

// Status reports the adapter's current lifecycle state.
func (a *Adapter) Status() channel.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *Adapter) setStatus(status channel.Status) {
	a.mu.Lock()
	a.status = status
	a.mu.Unlock()
	a.sink.SetStatus(a.conn.ID, status)
}

// Initialize dials the bridge. If a previous session blob is stored it is
// handed to the bridge for resumption; otherwise the bridge answers with a
// QR challenge and the adapter waits in qr_pending.
func (a *Adapter) Initialize(ctx context.Context) error {
	if a.bridgeURL == "" {
		a.setStatus(channel.StatusCredentialsRequired)
		return fmt.Errorf("%w: bridge url not configured", channel.ErrMissingCredentials)
	}
	a.retry.Reset()
	a.mu.Lock()
	a.closing = false
	a.mu.Unlock()
	a.connect(ctx)
	return nil
}

func (a *Adapter) connect(ctx context.Context) {
	a.setStatus(channel.StatusConnecting)

	dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, a.bridgeURL, nil)
	if err != nil {
		a.log.Error("dial bridge failed", slog.String("url", a.bridgeURL), slog.Any("error", err))
		a.setStatus(channel.StatusDisconnected)
		a.scheduleReconnect()
		return
	}

	// Resume with the stored session blob when one exists.
	if raw, err := json.Marshal(a.conn.AuthState); err == nil && len(a.conn.AuthState) > 0 {
		if err := ws.WriteJSON(bridgeCommand{Type: "resume", Session: raw}); err != nil {
			a.log.Warn("send resume failed", slog.Any("error", err))
		}
	}

	done := make(chan struct{})
	a.mu.Lock()
	a.ws = ws
	a.done = done
	a.mu.Unlock()

	go a.listen(ws, done)
}

func (a *Adapter) listen(ws *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		var evt bridgeEvent
		if err := ws.ReadJSON(&evt); err != nil {
			a.mu.Lock()
			closing := a.closing
			a.mu.Unlock()
			if closing {
				return
			}
			a.log.Warn("bridge read failed", slog.Any("error", err))
			a.setStatus(channel.StatusDisconnected)
			a.scheduleReconnect()
			return
		}
		a.handleEvent(evt)
	}
}

func (a *Adapter) handleEvent(evt bridgeEvent) {
	switch evt.Type {
	case "qr":
		a.mu.Lock()
		a.qr = evt.QR
		a.status = channel.StatusQRPending
		a.mu.Unlock()
		a.sink.SetStatus(a.conn.ID, channel.StatusQRPending)
		a.log.Info("pairing qr received")
	case "ready":
		a.mu.Lock()
		a.qr = ""
		a.status = channel.StatusConnected
		a.mu.Unlock()
		a.sink.SetStatus(a.conn.ID, channel.StatusConnected)
		if evt.Name != "" {
			a.sink.SetDisplayName(a.conn.ID, evt.Name)
		}
		a.log.Info("connected", slog.String("device", evt.Name))
	case "session":
		// Fresh session keys after pairing; persist for resumption.
		var auth channel.AuthState
		if err := json.Unmarshal(evt.Session, &auth); err != nil {
			a.log.Warn("decode session blob failed", slog.Any("error", err))
			return
		}
		a.conn.AuthState = auth
		a.sink.SetAuthState(a.conn.ID, auth)
	case "message":
		a.handleInbound(evt)
	case "error":
		a.log.Error("bridge error", slog.String("message", evt.Error))
	}
}

func (a *Adapter) handleInbound(evt bridgeEvent) {
	content := strings.TrimSpace(evt.Content)
	if content == "" || evt.From == "" {
		return
	}
	// Individual chats only; group JIDs carry the g.us suffix.
	if strings.HasSuffix(evt.Chat, "@g.us") {
		return
	}
	inbound := channel.IncomingMessage{
		ChannelType:  channel.TypeWhatsApp,
		ConnectionID: a.conn.ID,
		SenderID:     evt.From,
		SenderName:   evt.FromName,
		Content:      content,
		Timestamp:    time.Now().UTC(),
		Metadata: map[string]any{
			"chat_jid":   evt.Chat,
			"message_id": evt.ID,
		},
	}
	if a.handler != nil {
		a.handler(context.Background(), inbound)
	}
}

func (a *Adapter) scheduleReconnect() {
	scheduled := a.retry.Schedule(func() {
		a.connect(context.Background())
	})
	if scheduled {
		a.log.Info("reconnect scheduled", slog.Duration("delay", channel.ReconnectDelay))
	}
}

// Shutdown closes the bridge socket and cancels any pending reconnect. It
// blocks until the listen goroutine has exited.
func (a *Adapter) Shutdown(ctx context.Context) error {
	a.retry.Cancel()

	a.mu.Lock()
	a.closing = true
	ws := a.ws
	done := a.done
	a.ws = nil
	a.done = nil
	a.status = channel.StatusDisconnected
	a.qr = ""
	a.mu.Unlock()

	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = ws.Close()
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

// SendMessage relays content to a WhatsApp JID through the bridge.
func (a *Adapter) SendMessage(ctx context.Context, recipientID, content string, _ map[string]any) channel.SendResult {
	a.mu.Lock()
	ws := a.ws
	status := a.status
	a.mu.Unlock()
	if ws == nil || status != channel.StatusConnected {
		return channel.SendResult{Error: channel.ErrNotConnected.Error()}
	}
	for i, chunk := range channel.SplitMessage(content, channel.WhatsAppMessageLimit) {
		if i > 0 {
			if err := channel.PauseBetweenChunks(ctx); err != nil {
				return channel.SendResult{Error: err.Error()}
			}
		}
		if err := ctx.Err(); err != nil {
			return channel.SendResult{Error: err.Error()}
		}
		cmd := bridgeCommand{Type: "send", To: recipientID, Content: chunk}
		a.mu.Lock()
		err := ws.WriteJSON(cmd)
		a.mu.Unlock()
		if err != nil {
			a.log.Error("send failed", slog.String("to", recipientID), slog.Any("error", err))
			return channel.SendResult{Error: err.Error()}
		}
	}
	return channel.SendResult{Success: true}
}

// RequestAuth renders the pending pairing challenge as a PNG data URL.
// Implements channel.Pairer.
func (a *Adapter) RequestAuth(_ context.Context) (channel.AuthChallenge, error) {
	a.mu.Lock()
	qr := a.qr
	status := a.status
	a.mu.Unlock()
	if status != channel.StatusQRPending || qr == "" {
		return channel.AuthChallenge{}, fmt.Errorf("no pairing in progress (status %s)", status)
	}
	png, err := qrcode.Encode(qr, qrcode.Medium, 256)
	if err != nil {
		return channel.AuthChallenge{}, fmt.Errorf("render qr: %w", err)
	}
	return channel.AuthChallenge{
		QRDataURL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
	}, nil
}

// Logout asks the bridge to unlink the device. Implements
// channel.LogoutAdapter.
func (a *Adapter) Logout(_ context.Context) error {
	a.mu.Lock()
	ws := a.ws
	a.mu.Unlock()
	if ws == nil {
		return nil
	}
	a.mu.Lock()
	err := ws.WriteJSON(bridgeCommand{Type: "logout"})
	a.mu.Unlock()
	return err
}
