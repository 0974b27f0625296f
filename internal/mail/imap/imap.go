// Package imap adapts an IMAP4 server reached over TLS to the mail
// Session and Dialer ports.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/haukened/teleprint/internal/mail"
)

// DefaultDialTimeout bounds connect, TLS handshake and login when
// Dialer.Timeout is unset.
const DefaultDialTimeout = 15 * time.Second

// ErrMessageGone is returned when a UID no longer names a message.
var ErrMessageGone = errors.New("message no longer exists")

// Dialer opens authenticated sessions.
type Dialer struct {
	Server    string
	Port      int
	User      string
	Password  string
	TLSConfig *tls.Config   // optional; ServerName defaults to Server
	Timeout   time.Duration // optional; DefaultDialTimeout when zero
}

// Addr returns the host:port the dialer connects to.
func (d *Dialer) Addr() string {
	return net.JoinHostPort(d.Server, strconv.Itoa(d.Port))
}

// Dial connects, negotiates TLS and logs in, all within Timeout. Canceling
// ctx aborts whichever step is in progress.
func (d *Dialer) Dial(ctx context.Context) (mail.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cfg := d.TLSConfig
	if cfg == nil {
		cfg = &tls.Config{ServerName: d.Server, MinVersion: tls.VersionTLS12}
	} else if cfg.ServerName == "" {
		cfg = cfg.Clone()
		cfg.ServerName = d.Server
	}
	raw, err := (&net.Dialer{}).DialContext(ctx, "tcp", d.Addr())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.Addr(), err)
	}
	conn := tls.Client(raw, cfg)
	if err := conn.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("tls handshake %s: %w", d.Addr(), err)
	}

	c := imapclient.New(conn, &imapclient.Options{TLSConfig: cfg})
	s := &session{c: c}
	defer context.AfterFunc(ctx, s.abort)()
	if err := c.Login(d.User, d.Password).Wait(); err != nil {
		_ = c.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("login %s: %w", d.User, ctxErr)
		}
		return nil, fmt.Errorf("login %s: %w", d.User, err)
	}
	return s, nil
}

type session struct {
	c *imapclient.Client
}

// abort tears the connection down so a blocked command returns.
func (s *session) abort() { _ = s.c.Close() }

func (s *session) Select(ctx context.Context, mailbox string) error {
	defer context.AfterFunc(ctx, s.abort)()
	_, err := s.c.Select(mailbox, nil).Wait()
	return err
}

func (s *session) SearchUnseen(ctx context.Context) ([]uint32, error) {
	defer context.AfterFunc(ctx, s.abort)()
	criteria := &imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}}
	data, err := s.c.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, err
	}
	uids := data.AllUIDs()
	out := make([]uint32, len(uids))
	for i, uid := range uids {
		out[i] = uint32(uid)
	}
	return out, nil
}

// FetchRaw reads BODY.PEEK[], leaving the \Seen flag untouched.
func (s *session) FetchRaw(ctx context.Context, uid uint32) ([]byte, error) {
	defer context.AfterFunc(ctx, s.abort)()
	section := &imap.FetchItemBodySection{Peek: true}
	opts := &imap.FetchOptions{UID: true, BodySection: []*imap.FetchItemBodySection{section}}
	msgs, err := s.c.Fetch(imap.UIDSetNum(imap.UID(uid)), opts).Collect()
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("uid %d: %w", uid, ErrMessageGone)
	}
	body := msgs[0].FindBodySection(section)
	if body == nil {
		return nil, fmt.Errorf("uid %d: empty body section", uid)
	}
	return body, nil
}

func (s *session) MarkSeen(ctx context.Context, uid uint32) error {
	defer context.AfterFunc(ctx, s.abort)()
	flags := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Silent: true, Flags: []imap.Flag{imap.FlagSeen}}
	return s.c.Store(imap.UIDSetNum(imap.UID(uid)), flags, nil).Close()
}

func (s *session) Close() error {
	lerr := s.c.Logout().Wait()
	return errors.Join(lerr, s.c.Close())
}
