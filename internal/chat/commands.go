package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/haukened/teleprint/internal/domain"
	"github.com/haukened/teleprint/internal/fetch"
	"github.com/haukened/teleprint/internal/metrics"
)

type scope int

const (
	scopeOpen   scope = iota // anyone, including unknown identities
	scopeSubmit              // authorized users and the admin
	scopeAdmin               // the admin only
)

// command binds a handler to its authorization scope. action names the
// operation in admin notices ("User 7 tried to <action>").
type command struct {
	scope  scope
	action string
	run    func(c *Channel, ctx context.Context, r request) string
}

const helpText = `Commands:
/auth - ask the administrator for access
/print <file> - print a stored document
Send a document or a link to store it.

Administrator:
/adduser <id>, /deluser <id>
/addtoken <token>, /deltoken <token>, /gentoken <name>
/users, /tokens
/files, /getfile <file>, /delfile <file>
/lpstat, /printers, /cancel <job>`

var commands = map[string]command{
	"auth":     {scopeOpen, "auth", (*Channel).auth},
	"help":     {scopeOpen, "read help", help},
	"start":    {scopeOpen, "read help", help},
	"print":    {scopeSubmit, "print", (*Channel).print},
	"adduser":  {scopeAdmin, "change users", (*Channel).addUser},
	"deluser":  {scopeAdmin, "change users", (*Channel).delUser},
	"addtoken": {scopeAdmin, "change tokens", (*Channel).addToken},
	"deltoken": {scopeAdmin, "change tokens", (*Channel).delToken},
	"gentoken": {scopeAdmin, "generate a token", genToken},
	"users":    {scopeAdmin, "list users", (*Channel).users},
	"tokens":   {scopeAdmin, "list tokens", (*Channel).tokens},
	"files":    {scopeAdmin, "list files", (*Channel).files},
	"getfile":  {scopeAdmin, "get a file", (*Channel).getFile},
	"delfile":  {scopeAdmin, "delete a file", (*Channel).delFile},
	"lpstat":   {scopeAdmin, "read the print queue", (*Channel).lpstat},
	"printers": {scopeAdmin, "list printers", (*Channel).printers},
	"cancel":   {scopeAdmin, "cancel a print job", (*Channel).cancel},
}

var (
	submitDocument = command{scopeSubmit, "send a document", (*Channel).storeDocument}
	submitLink     = command{scopeSubmit, "send a link", (*Channel).storeLink}
)

func help(*Channel, context.Context, request) string { return helpText }

// auth tells the admin who is asking. The requester gets no reply.
func (c *Channel) auth(ctx context.Context, r request) string {
	c.metrics.Inc(metrics.CounterAuthRequests, 1)
	r.log.Info("auth requested")
	c.notify(ctx, r.log, fmt.Sprintf("User %s wants to auth", describe(r.From)))
	return ""
}

func (c *Channel) addUser(ctx context.Context, r request) string {
	id, err := domain.ParseIdentity(r.arg)
	if err != nil {
		return errorReply(err)
	}
	if err := c.access.AddUser(ctx, id); err != nil {
		r.log.Error("add user", "target", id, "error", err)
		return errorReply(err)
	}
	r.log.Info("user added", "target", id)
	return "Ok"
}

func (c *Channel) delUser(ctx context.Context, r request) string {
	id, err := domain.ParseIdentity(r.arg)
	if err != nil {
		return errorReply(err)
	}
	if err := c.access.RemoveUser(ctx, id); err != nil {
		r.log.Error("remove user", "target", id, "error", err)
		return errorReply(err)
	}
	r.log.Info("user removed", "target", id)
	return "Ok"
}

func (c *Channel) addToken(ctx context.Context, r request) string {
	tok, err := domain.ParseToken(r.arg)
	if err != nil {
		return errorReply(err)
	}
	if err := c.access.AddToken(ctx, tok); err != nil {
		r.log.Error("add token", "error", err)
		return errorReply(err)
	}
	return "Ok"
}

func (c *Channel) delToken(ctx context.Context, r request) string {
	if r.arg == "" {
		return errorReply(domain.ErrInvalidToken)
	}
	if err := c.access.RemoveToken(ctx, r.arg); err != nil {
		r.log.Error("remove token", "error", err)
		return errorReply(err)
	}
	return "Ok"
}

// genToken derives a fresh token from a label. It is not registered; the
// admin decides whether to /addtoken it.
func genToken(_ *Channel, _ context.Context, r request) string {
	if r.arg == "" || strings.ContainsAny(r.arg, " \t") {
		return errorReply(errors.New("usage: /gentoken <name>"))
	}
	tok, err := domain.GenerateToken(r.arg)
	if err != nil {
		return errorReply(err)
	}
	return tok
}

func (c *Channel) users(context.Context, request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Admin: %d\nUsers:", c.access.Admin())
	for _, id := range c.access.Users() {
		fmt.Fprintf(&b, "\n%d", id)
	}
	return b.String()
}

func (c *Channel) tokens(context.Context, request) string {
	return strings.Join(append([]string{"Tokens:"}, c.access.Tokens()...), "\n")
}

func (c *Channel) print(ctx context.Context, r request) string {
	if r.arg == "" {
		return errorReply(errors.New("usage: /print <file>"))
	}
	if err := c.dispatcher.Print(ctx, domain.DocumentName(r.arg)); err != nil {
		r.log.Warn("print failed", "document", r.arg, "error", err)
		return errorReply(err)
	}
	return "Ok"
}

func (c *Channel) files(context.Context, request) string {
	names, err := c.dispatcher.Files()
	if err != nil {
		return errorReply(err)
	}
	lines := make([]string, 0, len(names)+1)
	lines = append(lines, "Files:")
	for _, n := range names {
		lines = append(lines, n.String())
	}
	return strings.Join(lines, "\n")
}

func (c *Channel) getFile(ctx context.Context, r request) string {
	path, err := c.dispatcher.Path(domain.DocumentName(r.arg))
	if err != nil {
		return errorReply(err)
	}
	if err := c.transport.SendFile(ctx, r.ChatID, path); err != nil {
		r.log.Error("send file", "error", err)
		return errorReply(err)
	}
	return ""
}

func (c *Channel) delFile(_ context.Context, r request) string {
	if err := c.dispatcher.Delete(domain.DocumentName(r.arg)); err != nil {
		return errorReply(err)
	}
	r.log.Info("document deleted", "document", r.arg)
	return "Ok"
}

func (c *Channel) lpstat(ctx context.Context, _ request) string {
	return c.dispatcher.Status(ctx)
}

func (c *Channel) printers(ctx context.Context, _ request) string {
	return c.dispatcher.ListPrinters(ctx)
}

func (c *Channel) cancel(ctx context.Context, r request) string {
	if err := c.dispatcher.Cancel(ctx, r.arg); err != nil {
		return errorReply(err)
	}
	return "Ok"
}

func (c *Channel) storeDocument(ctx context.Context, r request) string {
	link, err := c.transport.FileURL(ctx, r.Document.FileID)
	if err != nil {
		r.log.Error("resolve attachment", "error", err)
		return errorReply(err)
	}
	return c.submit(ctx, r, link, r.Document.FileName)
}

func (c *Channel) storeLink(ctx context.Context, r request) string {
	return c.submit(ctx, r, r.arg, r.arg)
}

// submit fetches a document for the requester. Documents from users are
// named after the sender, not the conversation, and relayed to the admin; the admin's own
// uploads use the mail discriminator and are not echoed back.
func (c *Channel) submit(ctx context.Context, r request, link, label string) string {
	admin := c.access.IsAdmin(r.sender())
	disc := domain.DiscriminatorFor(r.sender())
	if admin {
		disc = domain.MailDiscriminator
	}
	sf, err := c.fetcher.Fetch(ctx, fetch.FromURL(link, disc))
	if err != nil {
		r.log.Warn("fetch failed", "error", err)
		return errorReply(err)
	}
	r.log.Info("document stored", "document", sf.Name, "pages", sf.Pages)
	if !admin {
		text := fmt.Sprintf("User %s sent %s as %s", describe(r.From), label, sf.Name)
		if sf.Pages > 0 {
			text += fmt.Sprintf(" (%d pages)", sf.Pages)
		}
		if err := c.NotifyAdmin(ctx, text, sf.Path); err != nil {
			r.log.Error("admin notification failed", "error", err)
		}
	}
	return sf.Name.String()
}
