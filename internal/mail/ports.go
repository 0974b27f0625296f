package mail

import (
	"context"

	"github.com/haukened/teleprint/internal/fetch"
)

// Session is one authenticated mailbox connection.
type Session interface {
	Select(ctx context.Context, mailbox string) error
	// SearchUnseen returns the UIDs of messages without the \Seen flag.
	SearchUnseen(ctx context.Context) ([]uint32, error)
	// FetchRaw returns the full RFC 822 message without setting \Seen.
	FetchRaw(ctx context.Context, uid uint32) ([]byte, error)
	MarkSeen(ctx context.Context, uid uint32) error
	// Close logs out and releases the connection.
	Close() error
}

// Dialer opens and authenticates a Session.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// Tokens validates mail tokens.
type Tokens interface {
	IsValidToken(token string) bool
}

// Fetcher stores extracted documents.
type Fetcher interface {
	Fetch(ctx context.Context, src fetch.Source) (fetch.StoredFile, error)
}

// Notifier relays a notice and an optional document to the administrator.
type Notifier interface {
	NotifyAdmin(ctx context.Context, text, docPath string) error
}
