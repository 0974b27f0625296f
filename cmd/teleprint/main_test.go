package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/teleprint/internal/chat"
	"github.com/haukened/teleprint/internal/chat/telegram"
	"github.com/haukened/teleprint/internal/config"
	"github.com/haukened/teleprint/internal/domain"
	"github.com/haukened/teleprint/internal/store/sqlite"
)

// fakeTransport never delivers updates; its channel closes with ctx.
type fakeTransport struct{}

func (fakeTransport) Updates(ctx context.Context) (<-chan chat.Update, error) {
	ch := make(chan chat.Update)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}
func (fakeTransport) SendText(context.Context, domain.Identity, string) error { return nil }
func (fakeTransport) SendFile(context.Context, domain.Identity, string) error { return nil }
func (fakeTransport) FileURL(context.Context, string) (string, error)        { return "", nil }

func useFakeTransport(t *testing.T) {
	t.Helper()
	orig := newChatTransport
	t.Cleanup(func() { newChatTransport = orig })
	newChatTransport = func(token string, cfg telegram.Config) (chat.Transport, error) {
		assert.NotEmpty(t, token)
		return fakeTransport{}, nil
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultAppConfig
	cfg.Token = "123:abc"
	cfg.Printer = "Office"
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	return &cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	var coder interface{ ExitCode() int }
	require.True(t, errors.As(err, &coder), "expected an exit code carrying error, got %v", err)
	return coder.ExitCode()
}

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags(nil, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, options{configPath: "config.yaml"}, opts)

	opts, err = parseFlags([]string{"-c", "/etc/teleprint.yaml", "--setup", "--admin", "42", "--version"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, options{configPath: "/etc/teleprint.yaml", setup: true, admin: "42", version: true}, opts)

	_, err = parseFlags([]string{"serve"}, io.Discard)
	assert.ErrorContains(t, err, "unexpected argument")

	_, err = parseFlags([]string{"--help"}, io.Discard)
	assert.ErrorIs(t, err, pflag.ErrHelp)

	_, err = parseFlags([]string{"--bogus"}, io.Discard)
	assert.Error(t, err)
}

func TestRunVersion(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"--version"}, nil, &out))
	assert.Equal(t, "teleprint dev\n", out.String())
}

func TestRunHelp(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"--help"}, nil, &out))
	assert.Contains(t, out.String(), "--admin")
}

func TestRunConfigError(t *testing.T) {
	t.Setenv("TELEPRINT_TOKEN", "")
	err := run(context.Background(), []string{"--config", filepath.Join(t.TempDir(), "none.yaml")}, nil, io.Discard)
	require.Error(t, err)
	assert.Equal(t, exitConfig, exitCode(t, err))

	err = run(context.Background(), []string{"--nope"}, nil, io.Discard)
	assert.Equal(t, exitConfig, exitCode(t, err))
}

func TestRunInvalidAdmin(t *testing.T) {
	useFakeTransport(t)
	t.Setenv("TELEPRINT_TOKEN", "123:abc")
	t.Setenv("TELEPRINT_PRINTER", "Office")
	t.Setenv("TELEPRINT_DATA_DIR", filepath.Join(t.TempDir(), "data"))
	err := run(context.Background(), []string{"--config", "", "--admin", "not-a-number"}, nil, io.Discard)
	require.Error(t, err)
	assert.Equal(t, exitConfig, exitCode(t, err))
	assert.ErrorIs(t, err, domain.ErrInvalidIdentity)
}

func TestEnsureDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	require.NoError(t, ensureDataDir(dir))
	st, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, st.IsDir())

	// existing directory is fine
	require.NoError(t, ensureDataDir(dir))

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	err = ensureDataDir(file)
	require.Error(t, err)
	assert.Equal(t, exitDataDir, exitCode(t, err))
}

func TestBuildTransportError(t *testing.T) {
	orig := newChatTransport
	t.Cleanup(func() { newChatTransport = orig })
	newChatTransport = func(string, telegram.Config) (chat.Transport, error) {
		return nil, assert.AnError
	}
	var err error
	require.NotPanics(t, func() {
		_, err = build(context.Background(), testConfig(t), quietLogger())
	})
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, exitTransport, exitCode(t, err))
}

func TestBuildFailureAfterOpeningDatabase(t *testing.T) {
	useFakeTransport(t)
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := testConfig(t)
	cfg.OpsAddr = busy.Addr().String()
	var r *relay
	require.NotPanics(t, func() {
		r, err = build(context.Background(), cfg, quietLogger())
	})
	require.Error(t, err)
	assert.Nil(t, r)
	assert.Equal(t, exitTransport, exitCode(t, err))

	// a later build against the same data directory still succeeds
	cfg.OpsAddr = ""
	r, err = build(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	r.close()
}

func TestCloseNilRelay(t *testing.T) {
	var r *relay
	assert.NotPanics(t, r.close)
}

func TestBuildCreatesAccessFile(t *testing.T) {
	useFakeTransport(t)
	cfg := testConfig(t)
	r, err := build(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer r.close()

	_, err = os.Stat(cfg.AccessFilePath())
	assert.NoError(t, err)
	_, err = os.Stat(cfg.DocumentsDir())
	assert.NoError(t, err)
	assert.Nil(t, r.poller)
	assert.Nil(t, r.ops)
	assert.Equal(t, domain.Identity(0), r.access.Admin())
}

func TestBuildSQLiteBackend(t *testing.T) {
	useFakeTransport(t)
	cfg := testConfig(t)
	cfg.AccessBackend = "sqlite"
	ctx := context.Background()

	r, err := build(ctx, cfg, quietLogger())
	require.NoError(t, err)
	require.NoError(t, r.access.SetAdmin(ctx, 7))
	require.NoError(t, r.access.AddUser(ctx, 42))
	r.close()

	db, err := sql.Open("sqlite3", cfg.SQLiteDSN())
	require.NoError(t, err)
	defer db.Close()
	p, err := sqlite.New(db)
	require.NoError(t, err)
	rec, found, err := p.Load(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, domain.Identity(7), rec.Admin)
	assert.Equal(t, []domain.Identity{42}, rec.Users)
}

func TestReadyWhileMailReconnecting(t *testing.T) {
	useFakeTransport(t)
	cfg := testConfig(t)
	cfg.IMAP.Server = "127.0.0.1"
	cfg.IMAP.User = "u"
	cfg.IMAP.Password = "p"
	r, err := build(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer r.close()

	require.NotNil(t, r.poller)
	assert.ErrorContains(t, r.ready(context.Background()), "reconnecting")
}

func TestServeOpsEndpoints(t *testing.T) {
	useFakeTransport(t)
	cfg := testConfig(t)
	cfg.OpsAddr = "127.0.0.1:0"
	r, err := build(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer r.close()
	require.NotNil(t, r.ops)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.serve(ctx) }()

	base := "http://" + r.opsLn.Addr().String()
	client := &http.Client{Timeout: 2 * time.Second}
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := client.Get(base + path)
		require.NoError(t, err, path)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		if path == "/metrics" {
			var body map[string]json.RawMessage
			assert.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Contains(t, body, "counters")
		}
		resp.Body.Close()
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
