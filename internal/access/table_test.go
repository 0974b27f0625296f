package access

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/teleprint/internal/app"
	"github.com/haukened/teleprint/internal/domain"
	"github.com/haukened/teleprint/internal/store/yamlfile"
)

// --- Fakes ---

type memPersister struct {
	mu      sync.Mutex
	rec     app.AccessRecord
	found   bool
	saves   int
	saveErr error
	loadErr error
}

func (m *memPersister) Load(context.Context) (app.AccessRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec, m.found, m.loadErr
}

func (m *memPersister) Save(_ context.Context, rec app.AccessRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.rec = rec
	m.found = true
	return nil
}

func TestLoadInitializesEmptyTable(t *testing.T) {
	p := &memPersister{}
	tbl, err := Load(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, domain.Identity(0), tbl.Admin())
	assert.Empty(t, tbl.Users())
	assert.Empty(t, tbl.Tokens())
	assert.Equal(t, 1, p.saves, "fresh table must be written out")
	assert.True(t, p.found)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(context.Background(), nil)
	assert.Error(t, err)

	_, err = Load(context.Background(), &memPersister{loadErr: assert.AnError})
	assert.ErrorIs(t, err, assert.AnError)

	_, err = Load(context.Background(), &memPersister{saveErr: assert.AnError})
	assert.ErrorIs(t, err, ErrPersist)
}

func TestUserAddRemoveIdempotent(t *testing.T) {
	ctx := context.Background()
	p := &memPersister{found: true, rec: app.AccessRecord{Admin: 100}}
	tbl, err := Load(ctx, p)
	require.NoError(t, err)

	require.NoError(t, tbl.AddUser(ctx, 42))
	require.NoError(t, tbl.AddUser(ctx, 42))
	assert.True(t, tbl.IsAuthorizedUser(42))
	assert.Equal(t, []domain.Identity{42}, tbl.Users())
	assert.Equal(t, []domain.Identity{42}, p.rec.Users)

	require.NoError(t, tbl.RemoveUser(ctx, 42))
	require.NoError(t, tbl.RemoveUser(ctx, 42))
	assert.False(t, tbl.IsAuthorizedUser(42))
	assert.Empty(t, p.rec.Users)
}

func TestTokenAddRemoveReAdd(t *testing.T) {
	ctx := context.Background()
	tbl, err := Load(ctx, &memPersister{})
	require.NoError(t, err)

	require.NoError(t, tbl.AddToken(ctx, "tok123"))
	require.NoError(t, tbl.AddToken(ctx, "tok123"))
	assert.Equal(t, []string{"tok123"}, tbl.Tokens())
	require.NoError(t, tbl.RemoveToken(ctx, "tok123"))
	assert.False(t, tbl.IsValidToken("tok123"))
	require.NoError(t, tbl.AddToken(ctx, "tok123"))
	assert.True(t, tbl.IsValidToken("tok123"))
}

func TestAdminIsNotImplicitUser(t *testing.T) {
	ctx := context.Background()
	tbl, err := Load(ctx, &memPersister{found: true, rec: app.AccessRecord{Admin: 100}})
	require.NoError(t, err)
	assert.True(t, tbl.IsAdmin(100))
	assert.False(t, tbl.IsAuthorizedUser(100))
	assert.False(t, tbl.IsAdmin(42))
}

func TestUnsetAdminNeverMatches(t *testing.T) {
	tbl, err := Load(context.Background(), &memPersister{})
	require.NoError(t, err)
	assert.False(t, tbl.IsAdmin(0))
}

func TestPersistFailureKeepsMutation(t *testing.T) {
	ctx := context.Background()
	p := &memPersister{found: true}
	tbl, err := Load(ctx, p)
	require.NoError(t, err)

	p.saveErr = errors.New("disk full")
	err = tbl.AddUser(ctx, 9)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersist)
	assert.True(t, tbl.IsAuthorizedUser(9), "in-memory change is not rolled back")
}

func TestListsAreCopies(t *testing.T) {
	ctx := context.Background()
	tbl, err := Load(ctx, &memPersister{})
	require.NoError(t, err)
	require.NoError(t, tbl.AddUser(ctx, 3))
	require.NoError(t, tbl.AddUser(ctx, 1))
	users := tbl.Users()
	assert.Equal(t, []domain.Identity{1, 3}, users)
	users[0] = 999
	assert.False(t, tbl.IsAuthorizedUser(999))
}

func TestDurabilityAcrossRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "users.yaml")
	p, err := yamlfile.New(path)
	require.NoError(t, err)
	tbl, err := Load(ctx, p)
	require.NoError(t, err)
	require.NoError(t, tbl.SetAdmin(ctx, 100))
	require.NoError(t, tbl.AddUser(ctx, 42))
	require.NoError(t, tbl.AddToken(ctx, "tok123"))

	p2, err := yamlfile.New(path)
	require.NoError(t, err)
	restarted, err := Load(ctx, p2)
	require.NoError(t, err)
	assert.True(t, restarted.IsAdmin(100))
	assert.True(t, restarted.IsAuthorizedUser(42))
	assert.True(t, restarted.IsValidToken("tok123"))

	require.NoError(t, restarted.RemoveUser(ctx, 42))
	p3, err := yamlfile.New(path)
	require.NoError(t, err)
	again, err := Load(ctx, p3)
	require.NoError(t, err)
	assert.False(t, again.IsAuthorizedUser(42))
}

func TestConcurrentMutationsAndReads(t *testing.T) {
	ctx := context.Background()
	p := &memPersister{}
	tbl, err := Load(ctx, p)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(2)
		go func(id domain.Identity) {
			defer wg.Done()
			_ = tbl.AddUser(ctx, id)
		}(domain.Identity(i))
		go func(id domain.Identity) {
			defer wg.Done()
			_ = tbl.IsAuthorizedUser(id)
			_ = tbl.IsValidToken("x")
		}(domain.Identity(i))
	}
	wg.Wait()
	assert.Len(t, tbl.Users(), 50)
	assert.Len(t, p.rec.Users, 50, "last persisted record reflects every add")
}
