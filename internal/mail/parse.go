package mail

import (
	"bytes"
	"errors"
	"io"
	"strings"

	_ "github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"
)

const pdfType = "application/pdf"

// Envelope is what the poller needs from one inbound message.
type Envelope struct {
	From     string
	Subject  string
	Token    string // first text/plain part, trimmed
	Document []byte // first application/pdf part
	FileName string
}

// Parse extracts the token candidate and the first PDF from a raw RFC 5322
// message. Parts after both have been found are not read.
func Parse(raw []byte) (Envelope, error) {
	var env Envelope
	r, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return env, err
	}
	defer r.Close()

	env.Subject, _ = r.Header.Subject()
	if from, err := r.Header.AddressList("From"); err == nil && len(from) > 0 {
		env.From = strings.ToLower(from[0].Address)
	}

	haveText := false
	for !haveText || env.Document == nil {
		part, err := r.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return env, err
		}
		var mediaType, name string
		switch h := part.Header.(type) {
		case *gomail.InlineHeader:
			var params map[string]string
			mediaType, params, _ = h.ContentType()
			name = params["name"]
		case *gomail.AttachmentHeader:
			mediaType, _, _ = h.ContentType()
			name, _ = h.Filename()
		default:
			continue
		}
		mediaType = strings.ToLower(mediaType)
		switch {
		case mediaType == pdfType && env.Document == nil:
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return env, err
			}
			env.Document = body
			env.FileName = name
		case (mediaType == "text/plain" || mediaType == "") && !haveText:
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return env, err
			}
			env.Token = strings.TrimSpace(string(body))
			haveText = true
		}
	}
	return env, nil
}
