package discord

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/outpostai/outpost/internal/channel"
)

type recordSink struct {
	statuses []channel.Status
}

func (s *recordSink) SetStatus(_ string, status channel.Status) { s.statuses = append(s.statuses, status) }
func (s *recordSink) SetDisplayName(string, string)             {}
func (s *recordSink) SetAuthState(string, channel.AuthState)    {}

func TestInitializeWithoutTokenDoesNotDial(t *testing.T) {
	dials := 0
	prev := newSession
	newSession = func(string) (*discordgo.Session, error) {
		dials++
		return nil, errors.New("should not be called")
	}
	defer func() { newSession = prev }()

	adapter, err := New()(channel.Connection{ID: "c1", Type: channel.TypeDiscord}, &recordSink{}, nil)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	if err := adapter.Initialize(context.Background()); !errors.Is(err, channel.ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
	if dials != 0 {
		t.Fatalf("no gateway attempt may happen without a token, got %d", dials)
	}
	if got := adapter.Status(); got != channel.StatusCredentialsRequired {
		t.Fatalf("expected credentials_required, got %s", got)
	}
}

func TestOnMessageForwardsHumanDMsOnly(t *testing.T) {
	t.Parallel()

	var got []channel.IncomingMessage
	adapter, err := New()(channel.Connection{ID: "c1", Type: channel.TypeDiscord}, &recordSink{},
		func(_ context.Context, msg channel.IncomingMessage) { got = append(got, msg) })
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	a := adapter.(*Adapter)

	mk := func(authorBot bool, guildID, content string) *discordgo.MessageCreate {
		return &discordgo.MessageCreate{Message: &discordgo.Message{
			ID:        "m1",
			ChannelID: "d1",
			GuildID:   guildID,
			Content:   content,
			Author:    &discordgo.User{ID: "u1", Username: "ana", Bot: authorBot},
		}}
	}

	a.onMessage(nil, mk(true, "", "bot echo"))
	a.onMessage(nil, mk(false, "g1", "guild chatter"))
	a.onMessage(nil, mk(false, "", "   "))
	a.onMessage(nil, mk(false, "", "hello"))

	if len(got) != 1 {
		t.Fatalf("expected one forwarded message, got %d", len(got))
	}
	if got[0].SenderID != "u1" || got[0].Content != "hello" {
		t.Fatalf("unexpected inbound: %#v", got[0])
	}
	if got[0].MetadataString("dm_channel_id") != "d1" {
		t.Fatalf("dm channel not carried in metadata: %#v", got[0].Metadata)
	}
}
