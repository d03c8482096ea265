package chat

import (
	"context"
	"strings"
	"time"

	logx "herald/pkg/logx"
)

// Credential is one session secret (for Telegram, a bot token).
// String never returns the full value.
type Credential string

func (c Credential) String() string { return logx.Redact(string(c)) }

// Reveal returns the raw secret. Only transports should call it.
func (c Credential) Reveal() string { return string(c) }

// Channel identifies a destination the session can post to.
type Channel struct {
	ID   string
	Name string
	// Private is true for one-to-one conversations.
	Private bool
}

// DirectMessage is one inbound private message.
type DirectMessage struct {
	ID        string
	Channel   Channel
	AuthorID  string
	Author    string
	Body      string
	CreatedAt time.Time
}

// Client opens sessions. Connect failures are LoginError.
type Client interface {
	Connect(ctx context.Context, cred Credential) (Session, error)
}

// Session is one logged-in identity on the chat platform.
//
// Every method that talks to the platform may fail with one of the
// classified errors in errors.go.
type Session interface {
	// Self returns the session's own identity ID.
	Self() string
	// Inbound delivers private messages addressed to the session until
	// the session is closed.
	Inbound() <-chan DirectMessage

	ResolveChannel(ctx context.Context, id string) (Channel, error)
	Send(ctx context.Context, ch Channel, body string) error
	FetchRecentHistory(ctx context.Context, ch Channel, since time.Time, limit int) ([]DirectMessage, error)
	Block(ctx context.Context, correspondentID string) error

	// DirectChannels lists the private conversations known to the session.
	DirectChannels(ctx context.Context) ([]Channel, error)

	Close(ctx context.Context) error
}

// Preview flattens newlines and truncates body to n runes for logs.
func Preview(body string, n int) string {
	body = strings.TrimSpace(strings.ReplaceAll(body, "\n", " "))
	if body == "" {
		return "[empty]"
	}
	r := []rune(body)
	if len(r) <= n {
		return body
	}
	return string(r[:n]) + "..."
}
