// Package mail implements the mail channel: a ticker driven poller that
// keeps one mailbox session, pulls unseen messages, marks them seen and
// relays PDF attachments carrying a valid mail token to the administrator.
package mail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/haukened/teleprint/internal/app"
	"github.com/haukened/teleprint/internal/domain"
	"github.com/haukened/teleprint/internal/fetch"
	"github.com/haukened/teleprint/internal/metrics"
)

// ErrSessionBroken marks a failure after which the session cannot be reused.
var ErrSessionBroken = errors.New("mail session broken")

// State is the poller's connection state.
type State int32

const (
	Reconnecting State = iota
	Connected
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "reconnecting"
}

// Config holds tunables for the Poller.
type Config struct {
	Interval time.Duration // how often a cycle begins
	Mailbox  string
	Logger   *slog.Logger
	Metrics  app.Metrics
}

// Poller drives the mailbox state machine. Cycles never overlap.
type Poller struct {
	dialer   Dialer
	tokens   Tokens
	fetcher  Fetcher
	notifier Notifier
	cfg      Config
	log      *slog.Logger

	state   atomic.Int32
	session Session // owned by the loop goroutine
}

// New constructs but does not start a Poller.
func New(d Dialer, tokens Tokens, f Fetcher, n Notifier, cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = app.NopMetrics{}
	}
	return &Poller{
		dialer:   d,
		tokens:   tokens,
		fetcher:  f,
		notifier: n,
		cfg:      cfg,
		log:      cfg.Logger.With("domain", "mail"),
	}
}

// State reports the current connection state.
func (p *Poller) State() State { return State(p.state.Load()) }

// Run polls until ctx is canceled, then logs out. The first cycle starts
// immediately.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer func() {
		ticker.Stop()
		p.disconnect()
	}()
	p.log.Info("mail channel start", "mailbox", p.cfg.Mailbox, "interval", p.cfg.Interval)
	p.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			p.log.Info("mail channel stop", "reason", "context_cancel")
			return nil
		case <-ticker.C:
			p.runCycle(ctx)
		}
	}
}

// runCycle advances the state machine by one step.
func (p *Poller) runCycle(ctx context.Context) {
	if p.State() == Reconnecting {
		if err := p.connect(ctx); err != nil {
			if !errors.Is(err, context.Canceled) {
				p.log.Warn("connect failed", "error", err)
			}
			return
		}
	}
	err := p.poll(ctx)
	if errors.Is(err, ErrSessionBroken) {
		p.log.Warn("session broken, reconnecting", "error", err)
		p.cfg.Metrics.Inc(metrics.CounterMailReconnects, 1)
		p.disconnect()
	}
}

func (p *Poller) connect(ctx context.Context) error {
	s, err := p.dialer.Dial(ctx)
	if err != nil {
		return err
	}
	p.session = s
	p.state.Store(int32(Connected))
	p.log.Info("mail session established")
	return nil
}

func (p *Poller) disconnect() {
	if p.session != nil {
		if err := p.session.Close(); err != nil {
			p.log.Debug("logout", "error", err)
		}
		p.session = nil
	}
	p.state.Store(int32(Reconnecting))
}

// poll runs one Connected cycle: select, search, fetch and mark every unseen
// message, then process what was fetched. Only a select failure is fatal to
// the session.
func (p *Poller) poll(ctx context.Context) error {
	start := time.Now()
	log := p.log.With("action", "cycle")
	if err := p.session.Select(ctx, p.cfg.Mailbox); err != nil {
		return fmt.Errorf("%w: select %s: %w", ErrSessionBroken, p.cfg.Mailbox, err)
	}
	uids, err := p.session.SearchUnseen(ctx)
	if err != nil {
		log.Error("search", "error", err)
		return nil
	}
	if len(uids) == 0 {
		return nil
	}

	batch := make([][]byte, 0, len(uids))
	for _, uid := range uids {
		raw, err := p.session.FetchRaw(ctx, uid)
		if err != nil {
			log.Error("fetch message", "uid", uid, "error", err)
			continue
		}
		if err := p.session.MarkSeen(ctx, uid); err != nil {
			// unmarked messages come back next cycle
			log.Error("mark seen", "uid", uid, "error", err)
			continue
		}
		batch = append(batch, raw)
	}
	p.cfg.Metrics.Observe(metrics.SummaryMailPerCycle, int64(len(batch)))

	for _, raw := range batch {
		p.process(ctx, raw)
	}
	log.Info("cycle complete", "unseen", len(uids), "processed", len(batch), "ms", time.Since(start).Milliseconds())
	return nil
}

// process reacts to one fetched message. Failures are logged and the message
// is dropped; it stays marked seen.
func (p *Poller) process(ctx context.Context, raw []byte) {
	log := p.log.With("cid", uuid.NewString())
	env, err := Parse(raw)
	if err != nil {
		p.drop(log, "unparseable", "error", err)
		return
	}
	log = log.With("from", env.From)
	if len(env.Token) < domain.MinTokenLength {
		p.drop(log, "no token")
		return
	}
	if env.Document == nil {
		p.drop(log, "no document")
		return
	}
	// the token gates storage: mail with an invalid token never reaches the spool
	if !p.tokens.IsValidToken(env.Token) {
		p.drop(log, "invalid token")
		return
	}
	sf, err := p.fetcher.Fetch(ctx, fetch.FromBytes(env.Document, domain.MailDiscriminator))
	if err != nil {
		p.drop(log, "store failed", "error", err)
		return
	}
	text := fmt.Sprintf("Mail user %s wants to print: %s", env.Token, sf.Name)
	if err := p.notifier.NotifyAdmin(ctx, text, sf.Path); err != nil {
		log.Error("relay to admin", "document", sf.Name, "error", err)
		return
	}
	p.cfg.Metrics.Inc(metrics.CounterMailRelayed, 1)
	log.Info("mail relayed", "document", sf.Name, "pages", sf.Pages)
}

func (p *Poller) drop(log *slog.Logger, reason string, args ...any) {
	p.cfg.Metrics.Inc(metrics.CounterMailDropped, 1)
	log.Info("mail dropped", append([]any{"reason", reason}, args...)...)
}
