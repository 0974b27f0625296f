// Package main is the teleprint entry point. It loads the configuration,
// opens the access table and the metrics database, then runs the chat
// channel, the optional mail channel and the optional ops server until
// SIGINT or SIGTERM.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/haukened/teleprint/internal/access"
	"github.com/haukened/teleprint/internal/app"
	"github.com/haukened/teleprint/internal/chat"
	"github.com/haukened/teleprint/internal/chat/telegram"
	"github.com/haukened/teleprint/internal/config"
	"github.com/haukened/teleprint/internal/domain"
	"github.com/haukened/teleprint/internal/fetch"
	"github.com/haukened/teleprint/internal/httpx"
	"github.com/haukened/teleprint/internal/janitor"
	"github.com/haukened/teleprint/internal/mail"
	"github.com/haukened/teleprint/internal/mail/imap"
	"github.com/haukened/teleprint/internal/metrics"
	"github.com/haukened/teleprint/internal/printer"
	"github.com/haukened/teleprint/internal/store/filesystem"
	"github.com/haukened/teleprint/internal/store/sqlite"
	"github.com/haukened/teleprint/internal/store/yamlfile"
)

var version = "dev"

// Exit codes for startup failures.
const (
	exitConfig    = 2
	exitDataDir   = 3
	exitDatabase  = 4
	exitStorage   = 5
	exitAccess    = 6
	exitTransport = 7
)

const (
	telegramPollTimeout = 60 // seconds
	shutdownTimeout     = 5 * time.Second
)

// exitError carries a process exit code out of run.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }
func (e *exitError) ExitCode() int { return e.code }

func fail(code int, format string, args ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

// newChatTransport is swapped in tests.
var newChatTransport = func(token string, cfg telegram.Config) (chat.Transport, error) {
	return telegram.New(token, cfg)
}

type options struct {
	configPath string
	setup      bool
	admin      string
	version    bool
}

func parseFlags(args []string, out io.Writer) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("teleprint", pflag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVarP(&opts.configPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	fs.BoolVar(&opts.setup, "setup", false, "interactively write the configuration file and exit")
	fs.StringVar(&opts.admin, "admin", "", "set the administrator chat identity before starting")
	fs.BoolVar(&opts.version, "version", false, "print the version and exit")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	return opts, nil
}

func main() {
	_ = godotenv.Load()
	if err := run(context.Background(), os.Args[1:], os.Stdin, os.Stdout); err != nil {
		slog.Error("teleprint stopped", "error", err)
		var coder interface{ ExitCode() int }
		if errors.As(err, &coder) {
			os.Exit(coder.ExitCode())
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	opts, err := parseFlags(args, stdout)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return fail(exitConfig, "parse flags: %w", err)
	}
	if opts.version {
		fmt.Fprintln(stdout, "teleprint", version)
		return nil
	}
	if opts.setup {
		return runSetup(ctx, opts.configPath, stdin, stdout, printer.ExecRunner{})
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fail(exitConfig, "configuration: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer r.close()

	if opts.admin != "" {
		id, err := domain.ParseIdentity(opts.admin)
		if err != nil {
			return fail(exitConfig, "--admin: %w", err)
		}
		if err := r.access.SetAdmin(ctx, id); err != nil {
			return fail(exitAccess, "set admin: %w", err)
		}
		logger.Info("administrator set", "id", id)
	}
	return r.serve(ctx)
}

// relay holds the wired components of one running process.
type relay struct {
	log     *slog.Logger
	db      *sql.DB
	metrics *metrics.Manager
	access  *access.Table
	janitor *janitor.Janitor
	channel *chat.Channel
	poller  *mail.Poller // nil when no IMAP server is configured
	ops     *http.Server // nil when ops_addr is empty
	opsLn   net.Listener
}

func ensureDataDir(dir string) error {
	st, err := os.Stat(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fail(exitDataDir, "create data directory %s: %w", dir, err)
		}
		return nil
	case err != nil:
		return fail(exitDataDir, "stat data directory %s: %w", dir, err)
	case !st.IsDir():
		return fail(exitDataDir, "data path %s is not a directory", dir)
	}
	return nil
}

func openAccessPersister(cfg *config.Config, db *sql.DB) (app.AccessPersister, error) {
	switch cfg.AccessBackend {
	case "sqlite":
		return sqlite.New(db)
	default:
		return yamlfile.New(cfg.AccessFilePath())
	}
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *relay, err error) {
	if err := ensureDataDir(cfg.DataDir); err != nil {
		return nil, err
	}
	// failure paths return a nil relay, so cleanup holds its own reference
	rel := &relay{log: logger}
	defer func() {
		if err != nil {
			rel.close()
		}
	}()

	rel.db, err = sql.Open("sqlite3", cfg.SQLiteDSN())
	if err != nil {
		return nil, fail(exitDatabase, "open database: %w", err)
	}
	rel.metrics = metrics.New(rel.db, metrics.Config{FlushInterval: cfg.MetricsFlushInterval, Logger: logger})
	if err := rel.metrics.InitSchema(ctx); err != nil {
		return nil, fail(exitDatabase, "init metrics schema: %w", err)
	}

	persister, err := openAccessPersister(cfg, rel.db)
	if err != nil {
		return nil, fail(exitAccess, "open access store: %w", err)
	}
	rel.access, err = access.Load(ctx, persister)
	if err != nil {
		return nil, fail(exitAccess, "%w", err)
	}

	if err := os.MkdirAll(cfg.DocumentsDir(), 0o700); err != nil {
		return nil, fail(exitStorage, "create documents directory: %w", err)
	}
	docs, err := filesystem.New(cfg.DocumentsDir())
	if err != nil {
		return nil, fail(exitStorage, "document storage: %w", err)
	}
	rel.janitor = janitor.New(docs, rel.metrics, janitor.Config{Retention: cfg.DocumentRetention, Logger: logger})
	fetcher := fetch.New(docs, fetch.Config{
		Timeout:  cfg.FetchTimeout,
		MaxBytes: int64(cfg.MaxDocumentSize),
		Logger:   logger,
		Metrics:  rel.metrics,
	})
	dispatcher := printer.New(docs, printer.ExecRunner{}, printer.Config{
		Printer: cfg.Printer,
		Logger:  logger,
		Metrics: rel.metrics,
	})

	transport, err := newChatTransport(cfg.Token, telegram.Config{PollTimeout: telegramPollTimeout, Logger: logger})
	if err != nil {
		return nil, fail(exitTransport, "chat transport: %w", err)
	}
	rel.channel = chat.New(transport, rel.access, fetcher, dispatcher, chat.Config{Logger: logger, Metrics: rel.metrics})

	if cfg.MailEnabled() {
		dialer := &imap.Dialer{
			Server:   cfg.IMAP.Server,
			Port:     cfg.IMAP.Port,
			User:     cfg.IMAP.User,
			Password: cfg.IMAP.Password,
		}
		rel.poller = mail.New(dialer, rel.access, fetcher, rel.channel, mail.Config{
			Interval: cfg.PollInterval,
			Mailbox:  cfg.IMAP.Mailbox,
			Logger:   logger,
			Metrics:  rel.metrics,
		})
	}

	if cfg.OpsAddr != "" {
		rel.opsLn, err = net.Listen("tcp", cfg.OpsAddr)
		if err != nil {
			return nil, fail(exitTransport, "listen %s: %w", cfg.OpsAddr, err)
		}
		h := httpx.New(rel.ready, metrics.Handler(rel.metrics), logger)
		rel.ops = httpx.NewServer(cfg.OpsAddr, h.Router())
	}
	return rel, nil
}

// ready reports whether the database answers and, when mail is enabled,
// the mailbox session is up.
func (r *relay) ready(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if r.poller != nil && r.poller.State() != mail.Connected {
		return errors.New("mail session reconnecting")
	}
	return nil
}

// serve runs every loop until ctx is canceled or one of them fails, then
// stops the janitor and flushes metrics.
func (r *relay) serve(ctx context.Context) error {
	r.metrics.Start(ctx)
	g, gctx := errgroup.WithContext(ctx)
	r.janitor.Start(gctx)
	g.Go(func() error { return r.channel.Run(gctx) })
	if r.poller != nil {
		g.Go(func() error { return r.poller.Run(gctx) })
	}
	if r.ops != nil {
		r.log.Info("ops server listening", "addr", r.opsLn.Addr().String())
		g.Go(func() error { return httpx.Serve(gctx, r.ops, r.opsLn) })
	}
	r.log.Info("teleprint running", "mail", r.poller != nil, "pid", os.Getpid())
	err := g.Wait()
	r.janitor.Stop()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := r.metrics.Stop(stopCtx); serr != nil {
		r.log.Warn("metrics flush on shutdown failed", "error", serr)
	}
	return err
}

func (r *relay) close() {
	if r == nil {
		return
	}
	if r.opsLn != nil {
		_ = r.opsLn.Close()
	}
	if r.db != nil {
		_ = r.db.Close()
	}
}
