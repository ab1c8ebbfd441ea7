package email

import (
	"context"
	"errors"
	"testing"

	"github.com/emersion/go-imap/v2"

	"github.com/outpostai/outpost/internal/channel"
)

type recordSink struct {
	statuses []channel.Status
}

func (s *recordSink) SetStatus(_ string, status channel.Status) { s.statuses = append(s.statuses, status) }
func (s *recordSink) SetDisplayName(string, string)             {}
func (s *recordSink) SetAuthState(string, channel.AuthState)    {}

func TestParseSettingsRequiresBothTransports(t *testing.T) {
	t.Parallel()

	cases := []channel.AuthState{
		nil,
		{"username": "a@b.c", "password": "p", "smtp_host": "smtp.b.c"},
		{"username": "a@b.c", "password": "p", "imap_host": "imap.b.c"},
		{"username": "a@b.c", "smtp_host": "smtp.b.c", "imap_host": "imap.b.c"},
	}
	for i, auth := range cases {
		if _, err := parseSettings(auth); !errors.Is(err, channel.ErrMissingCredentials) {
			t.Fatalf("case %d: expected ErrMissingCredentials, got %v", i, err)
		}
	}

	cfg, err := parseSettings(channel.AuthState{
		"username": "a@b.c", "password": "p",
		"smtp_host": "smtp.b.c", "imap_host": "imap.b.c",
	})
	if err != nil {
		t.Fatalf("complete credentials rejected: %v", err)
	}
	if cfg.smtpPort != 587 || cfg.imapPort != 993 {
		t.Fatalf("default ports not applied: %d/%d", cfg.smtpPort, cfg.imapPort)
	}
	if cfg.pollInterval != defaultPollInterval {
		t.Fatalf("default poll interval not applied: %v", cfg.pollInterval)
	}
}

func TestInitializeWithoutCredentialsDoesNotDial(t *testing.T) {
	t.Parallel()

	sink := &recordSink{}
	factory := New()
	adapter, err := factory(channel.Connection{ID: "c1", Type: channel.TypeEmail}, sink, nil)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}

	err = adapter.Initialize(context.Background())
	if !errors.Is(err, channel.ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
	if got := adapter.Status(); got != channel.StatusCredentialsRequired {
		t.Fatalf("expected credentials_required, got %s", got)
	}
	if len(sink.statuses) != 1 || sink.statuses[0] != channel.StatusCredentialsRequired {
		t.Fatalf("sink statuses: %#v", sink.statuses)
	}
}

func TestParseMessageThreadingHeaders(t *testing.T) {
	t.Parallel()

	raw := "Message-ID: <m3@x>\r\n" +
		"In-Reply-To: <m2@x>\r\n" +
		"References: <m1@x> <m2@x>\r\n" +
		"Subject: hi\r\n" +
		"\r\n" +
		"body text\r\n"
	body, refs, inReplyTo := parseMessage([]byte(raw))
	if body != "body text" {
		t.Fatalf("body: %q", body)
	}
	if inReplyTo != "m2@x" {
		t.Fatalf("in-reply-to: %q", inReplyTo)
	}
	if len(refs) != 2 || refs[0] != "m1@x" || refs[1] != "m2@x" {
		t.Fatalf("references: %#v", refs)
	}
}

func TestParseMessageWithoutHeadersFallsBackToRawBody(t *testing.T) {
	t.Parallel()

	body, refs, inReplyTo := parseMessage([]byte("just text"))
	if body != "just text" || refs != nil || inReplyTo != "" {
		t.Fatalf("unexpected parse: %q %#v %q", body, refs, inReplyTo)
	}
}

func TestFetchWindowBoundsLaterRounds(t *testing.T) {
	t.Parallel()

	// First round walks the whole mailbox UID-only to learn the mark.
	uidSet, opts := fetchWindow(0)
	if got := uidSet.String(); got != "1:*" {
		t.Fatalf("first round range: %q", got)
	}
	if opts.Envelope || len(opts.BodySection) != 0 {
		t.Fatalf("first round must not fetch bodies: %+v", opts)
	}

	// Later rounds fetch a bounded window so a burst spans several polls.
	uidSet, opts = fetchWindow(imap.UID(100))
	if got := uidSet.String(); got != "101:150" {
		t.Fatalf("bounded range: %q", got)
	}
	if !opts.Envelope || len(opts.BodySection) != 1 {
		t.Fatalf("later rounds need envelope and body: %+v", opts)
	}
}

func TestReferencesHeaderDoesNotMutatePriorSlice(t *testing.T) {
	t.Parallel()

	// Spare capacity makes a plain append write into the caller's array.
	prior := make([]string, 2, 4)
	prior[0], prior[1] = "m1@x", "m2@x"
	backing := prior[:cap(prior)]

	header := referencesHeader(prior, "m3@x")
	if header != "<m1@x> <m2@x> <m3@x>" {
		t.Fatalf("header: %q", header)
	}
	if backing[2] != "" || backing[3] != "" {
		t.Fatalf("caller's backing array was written: %#v", backing)
	}
	if len(prior) != 2 || prior[0] != "m1@x" || prior[1] != "m2@x" {
		t.Fatalf("prior slice changed: %#v", prior)
	}
}
