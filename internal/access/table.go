// Package access implements the shared access-control table that gates both
// inbound channels. A Table holds the administrator identity, the set of
// chat identities allowed to submit documents and the set of mail tokens.
//
// All methods are safe for concurrent use. A single mutex guards the whole
// table; every mutation is persisted through the app.AccessPersister port
// while the lock is held, so lock hold time is bounded by local disk I/O.
// Callers never receive references to the internal sets.
package access

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/haukened/teleprint/internal/app"
	"github.com/haukened/teleprint/internal/domain"
)

// ErrPersist wraps every failure to write the table to durable storage.
// When it is returned the in-memory mutation has already been applied.
var ErrPersist = errors.New("persist access table")

// Table is the in-memory access table bound to a persister.
type Table struct {
	mu        sync.Mutex
	persister app.AccessPersister

	admin  domain.Identity
	users  map[domain.Identity]struct{}
	tokens map[string]struct{}
}

// Load reads the table from p. When nothing is stored yet an empty table
// with admin 0 is created and written out immediately, so a fresh install
// leaves a file the operator can edit.
func Load(ctx context.Context, p app.AccessPersister) (*Table, error) {
	if p == nil {
		return nil, errors.New("access: nil persister")
	}
	rec, found, err := p.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load access table: %w", err)
	}
	t := &Table{
		persister: p,
		admin:     rec.Admin,
		users:     make(map[domain.Identity]struct{}, len(rec.Users)),
		tokens:    make(map[string]struct{}, len(rec.MailTokens)),
	}
	for _, u := range rec.Users {
		t.users[u] = struct{}{}
	}
	for _, tok := range rec.MailTokens {
		t.tokens[tok] = struct{}{}
	}
	if !found {
		if err := p.Save(ctx, t.recordLocked()); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPersist, err)
		}
	}
	return t, nil
}

// AddUser authorizes id to submit documents. Adding a present user is not
// an error.
func (t *Table) AddUser(ctx context.Context, id domain.Identity) error {
	return t.mutate(ctx, func() { t.users[id] = struct{}{} })
}

// RemoveUser revokes id. Removing an absent user is not an error.
func (t *Table) RemoveUser(ctx context.Context, id domain.Identity) error {
	return t.mutate(ctx, func() { delete(t.users, id) })
}

// AddToken registers a mail token.
func (t *Table) AddToken(ctx context.Context, token string) error {
	return t.mutate(ctx, func() { t.tokens[token] = struct{}{} })
}

// RemoveToken unregisters a mail token.
func (t *Table) RemoveToken(ctx context.Context, token string) error {
	return t.mutate(ctx, func() { delete(t.tokens, token) })
}

// SetAdmin replaces the administrator identity.
func (t *Table) SetAdmin(ctx context.Context, id domain.Identity) error {
	return t.mutate(ctx, func() { t.admin = id })
}

// IsAuthorizedUser reports whether id is on the allow-list. The admin is not
// implicitly a member; callers wanting an admin bypass check IsAdmin too.
func (t *Table) IsAuthorizedUser(id domain.Identity) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.users[id]
	return ok
}

// IsValidToken reports whether token is registered.
func (t *Table) IsValidToken(token string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.tokens[token]
	return ok
}

// IsAdmin reports whether id is the administrator. An unset admin (0)
// never matches.
func (t *Table) IsAdmin(id domain.Identity) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.admin != 0 && t.admin == id
}

// Admin returns the administrator identity.
func (t *Table) Admin() domain.Identity {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.admin
}

// Users returns the authorized identities in ascending order.
func (t *Table) Users() []domain.Identity {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sortedUsers(t.users)
}

// Tokens returns the registered mail tokens in lexical order.
func (t *Table) Tokens() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sortedTokens(t.tokens)
}

// mutate applies fn and persists the result under the lock. The mutation is
// not rolled back when persisting fails.
func (t *Table) mutate(ctx context.Context, fn func()) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn()
	if err := t.persister.Save(ctx, t.recordLocked()); err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	return nil
}

func (t *Table) recordLocked() app.AccessRecord {
	return app.AccessRecord{
		Admin:      t.admin,
		Users:      sortedUsers(t.users),
		MailTokens: sortedTokens(t.tokens),
	}
}

func sortedUsers(set map[domain.Identity]struct{}) []domain.Identity {
	out := make([]domain.Identity, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func sortedTokens(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for tok := range set {
		out = append(out, tok)
	}
	slices.Sort(out)
	return out
}
