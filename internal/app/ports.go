// Package app defines the application layer "ports" (interfaces) and simple
// data contracts that the authorization + dispatch core depends upon. It
// follows a hexagonal (ports & adapters) design: this package declares what
// the core needs, while adapter packages (YAML/SQLite access persistence,
// filesystem document storage, metrics) provide concrete implementations.
// No I/O, logging, SQL, or network concerns belong here.
package app

import (
	"context"

	"github.com/haukened/teleprint/internal/domain"
)

// AccessRecord is the durable form of the access table. It is rewritten
// wholesale on every mutation, so adapters never need partial updates.
type AccessRecord struct {
	Admin      domain.Identity
	Users      []domain.Identity
	MailTokens []string
}

// AccessPersister is the storage port for the access table.
type AccessPersister interface {
	// Load returns the stored record. found is false when nothing has been
	// stored yet; that is not an error.
	Load(ctx context.Context) (rec AccessRecord, found bool, err error)

	// Save replaces the stored record. It MUST return only after the data is
	// crash-safe (fsync / committed).
	Save(ctx context.Context, rec AccessRecord) error
}

// DocumentStorage is the content-addressed local document store. Names are
// validated domain.DocumentName values, so implementations may join them
// onto a root directory without further sanitizing.
type DocumentStorage interface {
	// Write stores data under name. Writing a name that already exists is
	// a no-op: equal names imply equal bytes.
	Write(name domain.DocumentName, data []byte) error
	// Path returns the local filesystem path for name, for collaborators
	// (the print spooler, the chat upload) that need a file on disk.
	Path(name domain.DocumentName) string
	// Exists reports whether name is stored.
	Exists(name domain.DocumentName) (bool, error)
	// Delete removes the document.
	Delete(name domain.DocumentName) error
	// List returns all stored document names in lexical order.
	List() ([]domain.DocumentName, error)
}

// Metrics records operational counters. Implementations must be safe for
// concurrent use and must never block the caller.
type Metrics interface {
	Inc(name string, delta int64)
	Observe(name string, value int64)
}

// NopMetrics discards every observation.
type NopMetrics struct{}

func (NopMetrics) Inc(string, int64)     {}
func (NopMetrics) Observe(string, int64) {}
