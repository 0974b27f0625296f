// Package telegram adapts the Telegram Bot API to the chat Transport port.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/haukened/teleprint/internal/chat"
	"github.com/haukened/teleprint/internal/domain"
)

// MaxMessageLen is the Bot API limit for one text message, in characters.
const MaxMessageLen = 4096

// botAPI is the subset of *tgbotapi.BotAPI the transport uses.
type botAPI interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetFileDirectURL(fileID string) (string, error)
}

// Config holds Transport settings.
type Config struct {
	PollTimeout int // long-poll timeout in seconds
	Logger      *slog.Logger
}

// Transport implements chat.Transport over the Bot API.
type Transport struct {
	bot botAPI
	cfg Config
	log *slog.Logger
}

// New authenticates with token and returns a Transport.
func New(token string, cfg Config) (*Transport, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram login: %w", err)
	}
	t := newTransport(bot, cfg)
	t.log.Info("telegram authorized", "bot", bot.Self.UserName)
	return t, nil
}

func newTransport(bot botAPI, cfg Config) *Transport {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 60
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Transport{bot: bot, cfg: cfg, log: cfg.Logger.With("domain", "telegram")}
}

// Updates converts Bot API updates into chat updates until ctx ends.
// Updates without a message (edits, callbacks) are skipped.
func (t *Transport) Updates(ctx context.Context) (<-chan chat.Update, error) {
	uc := tgbotapi.NewUpdate(0)
	uc.Timeout = t.cfg.PollTimeout
	src := t.bot.GetUpdatesChan(uc)
	out := make(chan chat.Update)
	go func() {
		defer close(out)
		defer t.bot.StopReceivingUpdates()
		for {
			select {
			case <-ctx.Done():
				return
			case upd, ok := <-src:
				if !ok {
					return
				}
				u, ok := convert(upd)
				if !ok {
					continue
				}
				select {
				case out <- u:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func convert(upd tgbotapi.Update) (chat.Update, bool) {
	m := upd.Message
	if m == nil {
		return chat.Update{}, false
	}
	u := chat.Update{Text: m.Text}
	if m.From != nil {
		u.From = &chat.Sender{
			ID:        domain.Identity(m.From.ID),
			FirstName: m.From.FirstName,
			LastName:  m.From.LastName,
			Username:  m.From.UserName,
		}
	}
	switch {
	case m.Chat != nil:
		u.ChatID = domain.Identity(m.Chat.ID)
	case u.From != nil:
		u.ChatID = u.From.ID
	default:
		return chat.Update{}, false
	}
	if d := m.Document; d != nil {
		u.Document = &chat.Attachment{
			FileID:   d.FileID,
			FileName: d.FileName,
			MIMEType: d.MimeType,
			Size:     int64(d.FileSize),
		}
	}
	return u, true
}

// SendText sends text, split into several messages when it exceeds the
// Bot API limit.
func (t *Transport) SendText(ctx context.Context, to domain.Identity, text string) error {
	for _, part := range split(text, MaxMessageLen) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := t.bot.Send(tgbotapi.NewMessage(int64(to), part)); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

// SendFile uploads the file at path as a document.
func (t *Transport) SendFile(ctx context.Context, to domain.Identity, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := t.bot.Send(tgbotapi.NewDocument(int64(to), tgbotapi.FilePath(path))); err != nil {
		return fmt.Errorf("send document: %w", err)
	}
	return nil
}

// FileURL resolves a file id to its download URL. The URL embeds the bot
// token and must not be logged.
func (t *Transport) FileURL(_ context.Context, fileID string) (string, error) {
	u, err := t.bot.GetFileDirectURL(fileID)
	if err != nil {
		return "", fmt.Errorf("resolve file: %w", err)
	}
	return u, nil
}

// split cuts s into chunks of at most n characters without breaking runes.
func split(s string, n int) []string {
	if utf8.RuneCountInString(s) <= n {
		return []string{s}
	}
	var parts []string
	for s != "" {
		i, count := 0, 0
		for i < len(s) && count < n {
			_, size := utf8.DecodeRuneInString(s[i:])
			i += size
			count++
		}
		parts = append(parts, s[:i])
		s = s[i:]
	}
	return parts
}
