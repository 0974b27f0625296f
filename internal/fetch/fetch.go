// Package fetch implements the content fetcher: it obtains document bytes
// from a URL or from an already extracted attachment, names them by content
// fingerprint and persists them to document storage. Network transfers are
// bounded by a timeout and a size cap so a slow or hostile source can never
// stall a channel.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/ledongthuc/pdf"

	"github.com/haukened/teleprint/internal/app"
	"github.com/haukened/teleprint/internal/domain"
	"github.com/haukened/teleprint/internal/metrics"
)

// DefaultTimeout bounds a network fetch when Config.Timeout is unset.
const DefaultTimeout = 10 * time.Second

// Source describes where document bytes come from. Exactly one of URL and
// Data is used; URL wins when both are set.
type Source struct {
	URL           string
	Data          []byte
	Discriminator string
}

// FromURL returns a Source that downloads url.
func FromURL(rawURL, discriminator string) Source {
	return Source{URL: rawURL, Discriminator: discriminator}
}

// FromBytes returns a Source over bytes already in memory.
func FromBytes(data []byte, discriminator string) Source {
	return Source{Data: data, Discriminator: discriminator}
}

// StoredFile describes a document after it has been persisted.
type StoredFile struct {
	Name  domain.DocumentName
	Path  string
	Size  int64
	Pages int // page count when the bytes are a readable PDF, else 0
}

// Config holds tunables for the Fetcher.
type Config struct {
	Client   *http.Client  // optional; defaults to a client without its own timeout
	Timeout  time.Duration // upper bound for one network fetch
	MaxBytes int64         // 0 disables the size cap
	Logger   *slog.Logger
	Metrics  app.Metrics
}

// Fetcher retrieves and stores documents. It is safe for concurrent use.
type Fetcher struct {
	store app.DocumentStorage
	cfg   Config
}

// New constructs a Fetcher writing into store.
func New(store app.DocumentStorage, cfg Config) *Fetcher {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = app.NopMetrics{}
	}
	return &Fetcher{store: store, cfg: cfg}
}

// Fetch obtains the bytes described by src, stores them under
// "{fingerprint}.{discriminator}" and returns the stored file. Errors are
// *Error values matching ErrNetwork, ErrTimeout, ErrStorage or ErrTooLarge.
func (f *Fetcher) Fetch(ctx context.Context, src Source) (StoredFile, error) {
	log := f.cfg.Logger.With("domain", "fetch")
	disc := src.Discriminator
	if disc == "" {
		disc = domain.MailDiscriminator
	}

	data := src.Data
	if src.URL != "" {
		start := time.Now()
		var err error
		data, err = f.download(ctx, src.URL)
		if err != nil {
			f.cfg.Metrics.Inc(metrics.CounterFetchFailed, 1)
			log.Warn("download failed", "error", err)
			return StoredFile{}, err
		}
		log.Info("downloaded", "bytes", len(data), "ms", time.Since(start).Milliseconds())
	}
	if f.cfg.MaxBytes > 0 && int64(len(data)) > f.cfg.MaxBytes {
		f.cfg.Metrics.Inc(metrics.CounterFetchFailed, 1)
		return StoredFile{}, fail(ErrTooLarge, fmt.Errorf("%d bytes exceeds limit of %d", len(data), f.cfg.MaxBytes))
	}

	name := domain.NewDocumentName(data, disc)
	if err := f.store.Write(name, data); err != nil {
		f.cfg.Metrics.Inc(metrics.CounterFetchFailed, 1)
		return StoredFile{}, fail(ErrStorage, err)
	}
	f.cfg.Metrics.Inc(metrics.CounterDocumentsStored, 1)
	f.cfg.Metrics.Observe(metrics.SummaryDocumentBytes, int64(len(data)))
	stored := StoredFile{
		Name:  name,
		Path:  f.store.Path(name),
		Size:  int64(len(data)),
		Pages: countPages(data),
	}
	log.Info("stored document", "name", name, "bytes", stored.Size, "pages", stored.Pages)
	return stored, nil
}

// download performs one bounded GET. The deadline covers the whole transfer,
// body included; on expiry the connection is abandoned.
func (f *Fetcher) download(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fail(ErrNetwork, stripURL(err, ""))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fail(ErrNetwork, fmt.Errorf("unsupported scheme %q", u.Scheme))
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fail(ErrNetwork, err)
	}
	resp, err := f.cfg.Client.Do(req)
	if err != nil {
		return nil, classify(ctx, stripURL(err, u.Host))
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fail(ErrNetwork, fmt.Errorf("unexpected status %s", resp.Status))
	}

	body := io.Reader(resp.Body)
	if f.cfg.MaxBytes > 0 {
		// one extra byte distinguishes "exactly at the limit" from "over it"
		body = io.LimitReader(resp.Body, f.cfg.MaxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, classify(ctx, stripURL(err, u.Host))
	}
	return data, nil
}

// stripURL drops the request URL from a *url.Error, keeping only host.
// Telegram file links carry the bot token in their path, and these errors
// are logged and sent back to the requester.
func stripURL(err error, host string) error {
	var ue *url.Error
	if !errors.As(err, &ue) {
		return err
	}
	if host == "" {
		return fmt.Errorf("%s: %w", ue.Op, ue.Err)
	}
	return fmt.Errorf("%s %s: %w", ue.Op, host, ue.Err)
}

// classify maps a transfer error onto ErrTimeout or ErrNetwork.
func classify(ctx context.Context, err error) *Error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fail(ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fail(ErrTimeout, err)
	}
	return fail(ErrNetwork, err)
}

// countPages reports the page count of a PDF, or 0 for anything the reader
// cannot handle. The PDF reader panics on some malformed input.
func countPages(data []byte) (pages int) {
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return 0
	}
	defer func() {
		if recover() != nil {
			pages = 0
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0
	}
	return r.NumPage()
}
