package chat

import (
	"context"

	"github.com/haukened/teleprint/internal/domain"
	"github.com/haukened/teleprint/internal/fetch"
)

// Update is one inbound chat message as delivered by a Transport.
type Update struct {
	ChatID   domain.Identity // conversation the message arrived in; replies go here
	From     *Sender         // nil when the transport could not attribute the message
	Text     string
	Document *Attachment
}

// Sender describes the principal behind an Update.
type Sender struct {
	ID        domain.Identity
	FirstName string
	LastName  string
	Username  string
}

// Attachment is a document carried by an Update. FileID is opaque to the
// channel and is resolved back to a download URL through the Transport.
type Attachment struct {
	FileID   string
	FileName string
	MIMEType string
	Size     int64
}

// Transport is the messaging port the channel runs over.
type Transport interface {
	// Updates starts delivery of inbound messages. The channel is closed
	// when ctx ends or the transport stops.
	Updates(ctx context.Context) (<-chan Update, error)
	SendText(ctx context.Context, chat domain.Identity, text string) error
	SendFile(ctx context.Context, chat domain.Identity, path string) error
	// FileURL resolves an Attachment.FileID to a URL the fetcher can GET.
	FileURL(ctx context.Context, fileID string) (string, error)
}

// Access is the subset of the access table the channel needs.
type Access interface {
	AddUser(ctx context.Context, id domain.Identity) error
	RemoveUser(ctx context.Context, id domain.Identity) error
	AddToken(ctx context.Context, token string) error
	RemoveToken(ctx context.Context, token string) error
	IsAuthorizedUser(id domain.Identity) bool
	IsAdmin(id domain.Identity) bool
	Admin() domain.Identity
	Users() []domain.Identity
	Tokens() []string
}

// Fetcher stores submitted documents.
type Fetcher interface {
	Fetch(ctx context.Context, src fetch.Source) (fetch.StoredFile, error)
}

// Dispatcher is the print spooler facade.
type Dispatcher interface {
	Print(ctx context.Context, name domain.DocumentName) error
	Delete(name domain.DocumentName) error
	Path(name domain.DocumentName) (string, error)
	Files() ([]domain.DocumentName, error)
	Status(ctx context.Context) string
	ListPrinters(ctx context.Context) string
	Cancel(ctx context.Context, job string) error
}
