package slackchan

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/slack-go/slack/slackevents"

	"github.com/outpostai/outpost/internal/channel"
)

type recordSink struct {
	statuses []channel.Status
}

func (s *recordSink) SetStatus(_ string, status channel.Status) { s.statuses = append(s.statuses, status) }
func (s *recordSink) SetDisplayName(string, string)             {}
func (s *recordSink) SetAuthState(string, channel.AuthState)    {}

func newTestAdapter(t *testing.T, auth channel.AuthState, handler channel.InboundHandler) *Adapter {
	t.Helper()
	adapter, err := New()(channel.Connection{ID: "c1", Type: channel.TypeSlack, AuthState: auth}, &recordSink{}, handler)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	return adapter.(*Adapter)
}

func TestInitializeRequiresBothTokens(t *testing.T) {
	t.Parallel()

	cases := []channel.AuthState{
		nil,
		{"bot_token": "xoxb-1"},
		{"app_token": "xapp-1"},
	}
	for i, auth := range cases {
		a := newTestAdapter(t, auth, nil)
		if err := a.Initialize(context.Background()); !errors.Is(err, channel.ErrMissingCredentials) {
			t.Fatalf("case %d: expected ErrMissingCredentials, got %v", i, err)
		}
		if got := a.Status(); got != channel.StatusCredentialsRequired {
			t.Fatalf("case %d: expected credentials_required, got %s", i, got)
		}
	}
}

func TestHandleMessageForwardsDirectMessagesOnly(t *testing.T) {
	t.Parallel()

	var got []channel.IncomingMessage
	a := newTestAdapter(t, nil, func(_ context.Context, msg channel.IncomingMessage) {
		got = append(got, msg)
	})

	a.handleMessage(context.Background(), &slackevents.MessageEvent{
		ChannelType: "channel", User: "U1", Text: "public chatter", TimeStamp: "1700000000.000100",
	})
	a.handleMessage(context.Background(), &slackevents.MessageEvent{
		ChannelType: "im", BotID: "B1", Text: "bot echo", TimeStamp: "1700000000.000200",
	})
	a.handleMessage(context.Background(), &slackevents.MessageEvent{
		ChannelType: "im", SubType: "message_changed", User: "U1", Text: "edited", TimeStamp: "1700000000.000300",
	})
	a.handleMessage(context.Background(), &slackevents.MessageEvent{
		ChannelType: "im", User: "U1", Channel: "D1", Text: "hello", TimeStamp: "1700000000.000400",
	})

	if len(got) != 1 {
		t.Fatalf("expected one forwarded message, got %d", len(got))
	}
	if got[0].SenderID != "U1" || got[0].Content != "hello" {
		t.Fatalf("unexpected inbound: %#v", got[0])
	}
	if got[0].MetadataString("im_channel_id") != "D1" {
		t.Fatalf("im channel not carried in metadata: %#v", got[0].Metadata)
	}
}

func TestParseSlackTimestamp(t *testing.T) {
	t.Parallel()

	ts := parseSlackTimestamp("1700000000.000400")
	if ts != time.Unix(1700000000, 0).UTC() {
		t.Fatalf("unexpected timestamp: %v", ts)
	}
	if parseSlackTimestamp("").IsZero() {
		t.Fatalf("empty timestamp should fall back to now")
	}
}
