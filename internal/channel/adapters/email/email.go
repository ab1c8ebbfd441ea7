// Package email connects the assistant to a mailbox over SMTP and IMAP.
// Outbound goes through SMTP with threading headers; inbound is a UID-based
// IMAP poll of INBOX.
package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	gomail "github.com/wneessen/go-mail"

	"github.com/outpostai/outpost/internal/channel"
	"github.com/outpostai/outpost/internal/logger"
)

const defaultPollInterval = 60 * time.Second

// fetchBatchLimit caps how many new messages one poll round will process.
const fetchBatchLimit = 50

// fetchCycleTimeout bounds one poll round. A stalled IMAP connection is
// closed, which fails the round and takes the normal reconnect path.
const fetchCycleTimeout = 2 * time.Minute

type settings struct {
	username     string
	password     string
	smtpHost     string
	smtpPort     int
	smtpSecurity string
	imapHost     string
	imapPort     int
	imapSecurity string
	pollInterval time.Duration
}

func parseSettings(auth channel.AuthState) (settings, error) {
	s := settings{
		username:     auth.String("username"),
		password:     auth.String("password"),
		smtpHost:     auth.String("smtp_host"),
		smtpPort:     auth.Int("smtp_port", 587),
		smtpSecurity: auth.String("smtp_security"),
		imapHost:     auth.String("imap_host"),
		imapPort:     auth.Int("imap_port", 993),
		imapSecurity: auth.String("imap_security"),
		pollInterval: time.Duration(auth.Int("poll_interval_seconds", 60)) * time.Second,
	}
	if s.smtpSecurity == "" {
		s.smtpSecurity = "starttls"
	}
	if s.imapSecurity == "" {
		s.imapSecurity = "tls"
	}
	if s.pollInterval <= 0 {
		s.pollInterval = defaultPollInterval
	}
	// Both transports are required: a send-only or receive-only mailbox is
	// half a channel.
	if s.username == "" || s.password == "" || s.smtpHost == "" || s.imapHost == "" {
		return s, channel.ErrMissingCredentials
	}
	return s, nil
}

// Adapter implements channel.Adapter for a generic SMTP/IMAP mailbox.
type Adapter struct {
	conn    channel.Connection
	sink    channel.StateSink
	handler channel.InboundHandler
	log     *slog.Logger

	mu      sync.Mutex
	cfg     settings
	cancel  context.CancelFunc
	done    chan struct{}
	status  channel.Status
	lastUID imap.UID
	retry   channel.Reconnector
}

// New builds the email adapter factory.
func New() channel.Factory {
	return func(conn channel.Connection, sink channel.StateSink, handler channel.InboundHandler) (channel.Adapter, error) {
		return &Adapter{
			conn:    conn,
			sink:    sink,
			handler: handler,
			log:     logger.L.With(slog.String("adapter", "email")),
			status:  channel.StatusDisconnected,
		}, nil
	}
}

// Type returns the email channel type.
func (a *Adapter) Type() channel.Type { return channel.TypeEmail }

// Status reports the adapter's current lifecycle state.
func (a *Adapter) Status() channel.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Initialize validates the mailbox credentials and starts the IMAP poll
// loop. Incomplete credentials settle the adapter in credentials_required
// without dialing either server.
func (a *Adapter) Initialize(ctx context.Context) error {
	cfg, err := parseSettings(a.conn.AuthState)
	if err != nil {
		a.setStatus(channel.StatusCredentialsRequired)
		return err
	}
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
	a.retry.Reset()
	a.connect()
	return nil
}

func (a *Adapter) connect() {
	a.setStatus(channel.StatusConnecting)

	a.mu.Lock()
	cfg := a.cfg
	a.mu.Unlock()

	client, err := dialIMAP(cfg)
	if err != nil {
		a.log.Error("imap connect failed", slog.String("host", cfg.imapHost), slog.Any("error", err))
		a.setStatus(channel.StatusDisconnected)
		a.scheduleReconnect()
		return
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.mu.Lock()
	a.cancel = cancel
	a.done = done
	a.status = channel.StatusConnected
	a.mu.Unlock()
	a.sink.SetStatus(a.conn.ID, channel.StatusConnected)
	a.sink.SetDisplayName(a.conn.ID, cfg.username)
	a.log.Info("connected", slog.String("mailbox", cfg.username))

	go a.pollLoop(pollCtx, client, cfg, done)
}

func dialIMAP(cfg settings) (*imapclient.Client, error) {
	addr := fmt.Sprintf("%s:%d", cfg.imapHost, cfg.imapPort)
	opts := &imapclient.Options{TLSConfig: &tls.Config{ServerName: cfg.imapHost}}

	var client *imapclient.Client
	var err error
	switch cfg.imapSecurity {
	case "starttls":
		client, err = imapclient.DialStartTLS(addr, opts)
	case "none":
		client, err = imapclient.DialInsecure(addr, opts)
	default:
		client, err = imapclient.DialTLS(addr, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap (%s): %w", cfg.imapSecurity, err)
	}
	if err := client.Login(cfg.username, cfg.password).Wait(); err != nil {
		client.Close()
		return nil, fmt.Errorf("imap login: %w", err)
	}
	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		client.Close()
		return nil, fmt.Errorf("select inbox: %w", err)
	}
	return client, nil
}

func (a *Adapter) pollLoop(ctx context.Context, client *imapclient.Client, cfg settings, done chan struct{}) {
	defer close(done)
	defer client.Close()

	ticker := time.NewTicker(cfg.pollInterval)
	defer ticker.Stop()

	if err := a.fetchCycle(ctx, client); err != nil {
		a.dropAndRetry(err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			_ = client.Logout()
			return
		case <-ticker.C:
			if err := a.fetchCycle(ctx, client); err != nil {
				if ctx.Err() != nil {
					return
				}
				a.dropAndRetry(err)
				return
			}
		}
	}
}

func (a *Adapter) dropAndRetry(err error) {
	a.log.Warn("imap poll failed", slog.Any("error", err))
	a.setStatus(channel.StatusDisconnected)
	a.scheduleReconnect()
}

// fetchCycle runs one poll round under fetchCycleTimeout. IMAP commands
// carry no context, so the watchdog closes the client to unblock them.
func (a *Adapter) fetchCycle(ctx context.Context, client *imapclient.Client) error {
	watchdog := time.AfterFunc(fetchCycleTimeout, func() { client.Close() })
	defer watchdog.Stop()
	return a.fetchNew(ctx, client)
}

// fetchWindow builds the UID range and fetch options for one poll round.
// The first round walks the whole mailbox UID-only to learn the high-water
// mark without replaying it; later rounds fetch bodies for a window of at
// most fetchBatchLimit UIDs, so a burst is worked off across polls instead
// of being pulled down in one unbounded fetch.
func fetchWindow(lastUID imap.UID) (imap.UIDSet, *imap.FetchOptions) {
	var uidSet imap.UIDSet
	fetchOpts := &imap.FetchOptions{UID: true}
	if lastUID == 0 {
		uidSet.AddRange(1, 0)
		return uidSet, fetchOpts
	}
	uidSet.AddRange(lastUID+1, lastUID+imap.UID(fetchBatchLimit))
	fetchOpts.Envelope = true
	fetchOpts.BodySection = []*imap.FetchItemBodySection{{}}
	return uidSet, fetchOpts
}

// fetchNew pulls messages with UIDs above the high-water mark. The mark
// only advances past messages this round actually consumed, so anything
// left behind by an error is retried on the next poll.
func (a *Adapter) fetchNew(ctx context.Context, client *imapclient.Client) error {
	a.mu.Lock()
	lastUID := a.lastUID
	a.mu.Unlock()

	firstRun := lastUID == 0
	uidSet, fetchOpts := fetchWindow(lastUID)
	fetchCmd := client.Fetch(uidSet, fetchOpts)
	processed := 0
	for {
		msgData := fetchCmd.Next()
		if msgData == nil {
			break
		}
		buf, err := msgData.Collect()
		if err != nil {
			// Stop here; the mark stays below this message and the next
			// poll refetches it.
			break
		}
		if buf == nil {
			continue
		}
		if !firstRun {
			if inbound, ok := a.bufToInbound(buf); ok {
				processed++
				if a.handler != nil {
					a.handler(ctx, inbound)
				}
			}
		}
		if buf.UID > lastUID {
			lastUID = buf.UID
		}
	}

	a.mu.Lock()
	a.lastUID = lastUID
	a.mu.Unlock()
	if err := fetchCmd.Close(); err != nil {
		return fmt.Errorf("uid fetch: %w", err)
	}
	if processed > 0 {
		a.log.Info("imap fetch completed", slog.Int("processed", processed), slog.Uint64("last_uid", uint64(lastUID)))
	}
	return nil
}

func (a *Adapter) bufToInbound(buf *imapclient.FetchMessageBuffer) (channel.IncomingMessage, bool) {
	env := buf.Envelope
	if env == nil {
		return channel.IncomingMessage{}, false
	}
	from := ""
	if len(env.From) > 0 {
		from = strings.ToLower(env.From[0].Addr())
	}
	if from == "" {
		return channel.IncomingMessage{}, false
	}

	var raw []byte
	for _, section := range buf.BodySection {
		raw = section.Bytes
		break
	}
	body, references, inReplyTo := parseMessage(raw)
	if body == "" {
		body = env.Subject
	}
	if body == "" {
		return channel.IncomingMessage{}, false
	}

	ts := env.Date
	if ts.IsZero() {
		ts = time.Now()
	}
	return channel.IncomingMessage{
		ChannelType:  channel.TypeEmail,
		ConnectionID: a.conn.ID,
		SenderID:     from,
		Content:      body,
		Timestamp:    ts.UTC(),
		Metadata: map[string]any{
			"message_id":  env.MessageID,
			"subject":     env.Subject,
			"in_reply_to": inReplyTo,
			"references":  references,
		},
	}, true
}

// parseMessage extracts the plain text body and the threading headers from
// a raw RFC 5322 message. The envelope alone does not carry References.
func parseMessage(raw []byte) (body string, references []string, inReplyTo string) {
	if len(raw) == 0 {
		return "", nil, ""
	}
	msg, err := mail.ReadMessage(strings.NewReader(string(raw)))
	if err != nil {
		return strings.TrimSpace(string(raw)), nil, ""
	}
	references = splitMessageIDs(msg.Header.Get("References"))
	inReplyTo = firstMessageID(msg.Header.Get("In-Reply-To"))

	data, err := io.ReadAll(msg.Body)
	if err != nil {
		return "", references, inReplyTo
	}
	return strings.TrimSpace(string(data)), references, inReplyTo
}

func splitMessageIDs(header string) []string {
	var out []string
	for _, field := range strings.Fields(header) {
		if id := strings.Trim(field, "<>"); id != "" {
			out = append(out, id)
		}
	}
	return out
}

func firstMessageID(header string) string {
	ids := splitMessageIDs(header)
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

func (a *Adapter) scheduleReconnect() {
	scheduled := a.retry.Schedule(a.connect)
	if scheduled {
		a.log.Info("reconnect scheduled", slog.Duration("delay", channel.ReconnectDelay))
	}
}

// Shutdown stops the poll loop and cancels any pending reconnect. It blocks
// until the poll goroutine has exited.
func (a *Adapter) Shutdown(ctx context.Context) error {
	a.retry.Cancel()

	a.mu.Lock()
	cancel := a.cancel
	done := a.done
	a.cancel = nil
	a.done = nil
	a.status = channel.StatusDisconnected
	a.mu.Unlock()

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

// referencesHeader builds the References header for a reply. prior is the
// inbound message's own References list; it is copied, never appended to,
// since the slice belongs to the caller's metadata.
func referencesHeader(prior []string, inReplyTo string) string {
	refs := make([]string, 0, len(prior)+1)
	refs = append(refs, prior...)
	refs = append(refs, inReplyTo)
	quoted := make([]string, 0, len(refs))
	for _, r := range refs {
		quoted = append(quoted, "<"+r+">")
	}
	return strings.Join(quoted, " ")
}

// SendMessage delivers content as one email to the recipient address. Email
// has no practical chunk limit, so the content goes out whole. Reply
// threading headers are taken from metadata when present; the resulting
// Message-ID is returned so callers can record the thread.
func (a *Adapter) SendMessage(ctx context.Context, recipientID, content string, metadata map[string]any) channel.SendResult {
	a.mu.Lock()
	cfg := a.cfg
	status := a.status
	a.mu.Unlock()
	if status != channel.StatusConnected {
		return channel.SendResult{Error: channel.ErrNotConnected.Error()}
	}

	m := gomail.NewMsg()
	if err := m.From(cfg.username); err != nil {
		return channel.SendResult{Error: fmt.Sprintf("set from: %v", err)}
	}
	if err := m.To(strings.TrimSpace(recipientID)); err != nil {
		return channel.SendResult{Error: fmt.Sprintf("set to: %v", err)}
	}

	subject, _ := metadata["subject"].(string)
	if subject == "" {
		subject = "Message from your assistant"
	} else if inReplyTo, _ := metadata["in_reply_to"].(string); inReplyTo != "" && !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}
	m.Subject(subject)
	m.SetBodyString(gomail.TypeTextPlain, content)
	m.SetMessageID()

	if inReplyTo, _ := metadata["in_reply_to"].(string); inReplyTo != "" {
		m.SetGenHeader("In-Reply-To", "<"+inReplyTo+">")
		prior, _ := metadata["references"].([]string)
		m.SetGenHeader("References", referencesHeader(prior, inReplyTo))
	}

	opts := []gomail.Option{
		gomail.WithPort(cfg.smtpPort),
		gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
		gomail.WithUsername(cfg.username),
		gomail.WithPassword(cfg.password),
	}
	switch cfg.smtpSecurity {
	case "tls":
		opts = append(opts, gomail.WithSSLPort(false), gomail.WithTLSPolicy(gomail.TLSMandatory))
	case "starttls":
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSMandatory))
	default:
		opts = append(opts, gomail.WithTLSPolicy(gomail.NoTLS))
	}
	client, err := gomail.NewClient(cfg.smtpHost, opts...)
	if err != nil {
		return channel.SendResult{Error: fmt.Sprintf("create smtp client: %v", err)}
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		a.log.Error("send failed", slog.String("to", recipientID), slog.Any("error", err))
		return channel.SendResult{Error: err.Error()}
	}
	return channel.SendResult{Success: true, MessageID: strings.Trim(m.GetMessageID(), "<>")}
}

func (a *Adapter) setStatus(status channel.Status) {
	a.mu.Lock()
	a.status = status
	a.mu.Unlock()
	a.sink.SetStatus(a.conn.ID, status)
}
