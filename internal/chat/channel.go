// Package chat implements the chat channel: a command router over a
// messaging Transport that gates every command on the shared access table
// and relays notifications to the administrator.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haukened/teleprint/internal/app"
	"github.com/haukened/teleprint/internal/domain"
	"github.com/haukened/teleprint/internal/metrics"
)

// ErrNoAdmin is returned by NotifyAdmin while no administrator is configured.
var ErrNoAdmin = errors.New("no administrator configured")

// Config holds optional Channel collaborators.
type Config struct {
	Logger  *slog.Logger
	Metrics app.Metrics
}

// Channel routes inbound updates to command handlers. Updates are handled
// one at a time, in arrival order.
type Channel struct {
	transport  Transport
	access     Access
	fetcher    Fetcher
	dispatcher Dispatcher
	metrics    app.Metrics
	log        *slog.Logger
}

// New constructs a Channel.
func New(t Transport, a Access, f Fetcher, d Dispatcher, cfg Config) *Channel {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = app.NopMetrics{}
	}
	return &Channel{
		transport:  t,
		access:     a,
		fetcher:    f,
		dispatcher: d,
		metrics:    cfg.Metrics,
		log:        cfg.Logger.With("domain", "chat"),
	}
}

// Run consumes updates until ctx is canceled. It returns nil on
// cancellation and an error if the transport fails or stops on its own.
func (c *Channel) Run(ctx context.Context) error {
	updates, err := c.transport.Updates(ctx)
	if err != nil {
		return fmt.Errorf("start updates: %w", err)
	}
	c.log.Info("chat channel start")
	for {
		select {
		case <-ctx.Done():
			c.log.Info("chat channel stop", "reason", "context_cancel")
			return nil
		case u, ok := <-updates:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("chat transport closed")
			}
			c.Handle(ctx, u)
		}
	}
}

// request is the per-update state handed to a command handler.
type request struct {
	Update
	arg string
	log *slog.Logger
}

func (r request) sender() domain.Identity { return r.From.ID }

// Handle processes one update to completion. Errors never escape: they are
// turned into replies, admin notices or log lines.
func (c *Channel) Handle(ctx context.Context, u Update) {
	start := time.Now()
	log := c.log.With("cid", uuid.NewString(), "chat", u.ChatID)
	c.metrics.Inc(metrics.CounterChatUpdates, 1)
	defer func() {
		c.metrics.Observe(metrics.SummaryChatHandleMillis, time.Since(start).Milliseconds())
	}()

	cmd, arg, ok := c.route(u)
	if !ok {
		if name, _, isCmd := parseCommand(u.Text); isCmd {
			log.Info("unknown command", "command", name)
			c.reply(ctx, log, u.ChatID, "Unknown command, see /help")
			return
		}
		log.Debug("ignored update")
		return
	}
	req := request{Update: u, arg: arg, log: log.With("action", cmd.action)}

	if u.From == nil {
		c.metrics.Inc(metrics.CounterUnauthorized, 1)
		log.Warn("update without sender", "action", cmd.action)
		c.notify(ctx, log, fmt.Sprintf("Unidentified sender in chat %d tried to %s", u.ChatID, cmd.action))
		return
	}
	id := req.sender()
	req.log = req.log.With("user", id)

	switch cmd.scope {
	case scopeAdmin:
		if !c.access.IsAdmin(id) {
			c.metrics.Inc(metrics.CounterUnauthorized, 1)
			req.log.Warn("admin command refused")
			c.notify(ctx, log, fmt.Sprintf("User %d tried to %s", id, cmd.action))
			return
		}
	case scopeSubmit:
		if !c.access.IsAdmin(id) && !c.access.IsAuthorizedUser(id) {
			c.metrics.Inc(metrics.CounterUnauthorized, 1)
			req.log.Info("submission refused")
			c.reply(ctx, log, u.ChatID, "You are not authorized, send /auth to request access")
			return
		}
	}

	if text := cmd.run(c, ctx, req); text != "" {
		c.reply(ctx, log, u.ChatID, text)
	}
}

// route picks the handler for u: an explicit command, an attached document
// or a bare http(s) link.
func (c *Channel) route(u Update) (command, string, bool) {
	if name, arg, isCmd := parseCommand(u.Text); isCmd {
		cmd, ok := commands[name]
		return cmd, arg, ok
	}
	if u.Document != nil {
		return submitDocument, "", true
	}
	if link, ok := singleLink(u.Text); ok {
		return submitLink, link, true
	}
	return command{}, "", false
}

// NotifyAdmin sends text to the administrator, followed by the document at
// docPath when it is non-empty.
func (c *Channel) NotifyAdmin(ctx context.Context, text, docPath string) error {
	admin := c.access.Admin()
	if admin == 0 {
		return ErrNoAdmin
	}
	if err := c.transport.SendText(ctx, admin, text); err != nil {
		return fmt.Errorf("notify admin: %w", err)
	}
	if docPath == "" {
		return nil
	}
	if err := c.transport.SendFile(ctx, admin, docPath); err != nil {
		return fmt.Errorf("send document to admin: %w", err)
	}
	return nil
}

func (c *Channel) notify(ctx context.Context, log *slog.Logger, text string) {
	if err := c.NotifyAdmin(ctx, text, ""); err != nil {
		log.Error("admin notification failed", "error", err)
	}
}

func (c *Channel) reply(ctx context.Context, log *slog.Logger, chat domain.Identity, text string) {
	if err := c.transport.SendText(ctx, chat, text); err != nil {
		log.Error("reply failed", "error", err)
	}
}

// parseCommand splits "/name@bot arg..." into its lower-cased name and the
// trimmed remainder.
func parseCommand(text string) (name, arg string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") || len(text) < 2 {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text, " ")
	head, _, _ = strings.Cut(head[1:], "@")
	if head == "" {
		return "", "", false
	}
	return strings.ToLower(head), strings.TrimSpace(rest), true
}

// singleLink reports whether text is exactly one absolute http(s) URL.
func singleLink(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if text == "" || strings.ContainsAny(text, " \t\r\n") {
		return "", false
	}
	u, err := url.Parse(text)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", false
	}
	return text, true
}

func errorReply(err error) string { return "Error: " + err.Error() }

func describe(s *Sender) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{s.FirstName, s.LastName} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if s.Username != "" {
		parts = append(parts, "@"+s.Username)
	}
	if len(parts) == 0 {
		return fmt.Sprintf("id: %d", s.ID)
	}
	return fmt.Sprintf("%s, id: %d", strings.Join(parts, " "), s.ID)
}
