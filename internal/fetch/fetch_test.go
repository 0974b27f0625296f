package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/teleprint/internal/domain"
	"github.com/haukened/teleprint/internal/store/filesystem"
)

func newFetcher(t *testing.T, cfg Config) (*Fetcher, *filesystem.DocStore) {
	t.Helper()
	ds, err := filesystem.New(t.TempDir())
	require.NoError(t, err)
	return New(ds, cfg), ds
}

type failingStore struct{}

func (failingStore) Write(domain.DocumentName, []byte) error { return errors.New("disk full") }
func (failingStore) Path(n domain.DocumentName) string { return "/nonexistent/" + string(n) }
func (failingStore) Exists(domain.DocumentName) (bool, error) { return false, nil }
func (failingStore) Delete(domain.DocumentName) error { return nil }
func (failingStore) List() ([]domain.DocumentName, error) { return nil, nil }

// minimalPDF assembles a well-formed PDF with the given number of blank pages.
func minimalPDF(pages int) []byte {
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	var offsets []int
	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}
	kids := make([]string, pages)
	for i := range kids {
		kids[i] = fmt.Sprintf("%d 0 R", i+3)
	}
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), pages))
	for i := 0; i < pages; i++ {
		obj("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>")
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(offsets)+1)
	for _, o := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", o)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}

func TestFetchBytesDeterministic(t *testing.T) {
	f, ds := newFetcher(t, Config{})
	data := []byte("quarterly report")

	first, err := f.Fetch(context.Background(), FromBytes(data, "42"))
	require.NoError(t, err)
	second, err := f.Fetch(context.Background(), FromBytes(data, "42"))
	require.NoError(t, err)

	assert.Equal(t, first.Name, second.Name)
	assert.Equal(t, domain.NewDocumentName(data, "42"), first.Name)
	assert.Equal(t, "42", first.Name.Discriminator())
	assert.Equal(t, int64(len(data)), first.Size)
	assert.Equal(t, ds.Path(first.Name), first.Path)
	assert.Zero(t, first.Pages)

	got, err := os.ReadFile(first.Path)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	other, err := f.Fetch(context.Background(), FromBytes(data, domain.MailDiscriminator))
	require.NoError(t, err)
	assert.NotEqual(t, first.Name, other.Name, "discriminator is part of the name")
	assert.Equal(t, first.Name.Fingerprint(), other.Name.Fingerprint())
}

func TestFetchDefaultsDiscriminator(t *testing.T) {
	f, _ := newFetcher(t, Config{})
	sf, err := f.Fetch(context.Background(), FromBytes([]byte("x"), ""))
	require.NoError(t, err)
	assert.Equal(t, domain.MailDiscriminator, sf.Name.Discriminator())
}

func TestFetchURL(t *testing.T) {
	body := []byte("remote document body")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	f, _ := newFetcher(t, Config{Client: srv.Client()})
	sf, err := f.Fetch(context.Background(), FromURL(srv.URL+"/doc.pdf", "7"))
	require.NoError(t, err)
	assert.Equal(t, domain.NewDocumentName(body, "7"), sf.Name)
	got, err := os.ReadFile(sf.Path)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestFetchTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	f, ds := newFetcher(t, Config{Client: srv.Client(), Timeout: 50 * time.Millisecond})
	start := time.Now()
	_, err := f.Fetch(context.Background(), FromURL(srv.URL, "1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrNetwork)
	assert.Less(t, time.Since(start), 5*time.Second)

	names, err := ds.List()
	require.NoError(t, err)
	assert.Empty(t, names, "nothing is stored after a timeout")
}

func TestFetchErrorsOmitRequestPath(t *testing.T) {
	const secretPath = "/file/bot123456:SECRETTOKEN/documents/file_1.pdf"
	release := make(chan struct{})
	stalling := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer stalling.Close()
	defer close(release)
	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	cases := []struct {
		name string
		base string
		kind error
	}{
		{"timeout", stalling.URL, ErrTimeout},
		{"refused", closedURL, ErrNetwork},
	}
	f, _ := newFetcher(t, Config{Client: stalling.Client(), Timeout: 50 * time.Millisecond})
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.Fetch(context.Background(), FromURL(tc.base+secretPath, "7"))
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.kind)
			assert.NotContains(t, err.Error(), "SECRETTOKEN")
			assert.NotContains(t, err.Error(), "/file/")
			assert.Contains(t, err.Error(), strings.TrimPrefix(tc.base, "http://"))
		})
	}

	_, err := f.Fetch(context.Background(), FromURL("http://%zz"+secretPath, "7"))
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "SECRETTOKEN")
}

func TestFetchNetworkFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()
	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	cases := []struct {
		name string
		url  string
	}{
		{"status", srv.URL + "/missing"},
		{"refused", closedURL},
		{"scheme", "ftp://example.org/file.pdf"},
		{"garbage", "http://%zz"},
	}
	f, _ := newFetcher(t, Config{Client: srv.Client()})
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.Fetch(context.Background(), FromURL(tc.url, "1"))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrNetwork)
			var fe *Error
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, ErrNetwork, fe.Kind)
		})
	}
}

func TestFetchTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("a"), 10))
	}))
	defer srv.Close()

	f, ds := newFetcher(t, Config{Client: srv.Client(), MaxBytes: 4})
	_, err := f.Fetch(context.Background(), FromURL(srv.URL, "1"))
	assert.ErrorIs(t, err, ErrTooLarge)
	_, err = f.Fetch(context.Background(), FromBytes([]byte("12345"), "1"))
	assert.ErrorIs(t, err, ErrTooLarge)

	sf, err := f.Fetch(context.Background(), FromBytes([]byte("1234"), "1"))
	require.NoError(t, err, "exactly at the limit is accepted")
	names, _ := ds.List()
	assert.Equal(t, []domain.DocumentName{sf.Name}, names)
}

func TestFetchStorageFailure(t *testing.T) {
	f := New(failingStore{}, Config{})
	_, err := f.Fetch(context.Background(), FromBytes([]byte("doc"), "1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorage)
	assert.Contains(t, err.Error(), "disk full")
}

func TestFetchCountsPDFPages(t *testing.T) {
	f, _ := newFetcher(t, Config{})
	sf, err := f.Fetch(context.Background(), FromBytes(minimalPDF(2), domain.MailDiscriminator))
	require.NoError(t, err)
	assert.Equal(t, 2, sf.Pages)
}

func TestCountPagesMalformed(t *testing.T) {
	cases := map[string][]byte{
		"empty":      nil,
		"plain text": []byte("hello"),
		"truncated":  []byte("%PDF-1.4\n1 0 obj\n<<"),
		"bad xref":   append([]byte("%PDF-1.4\n"), []byte("startxref\n999999\n%%EOF\n")...),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Zero(t, countPages(data))
		})
	}
}

func TestErrorFormatting(t *testing.T) {
	e := &Error{Kind: ErrTimeout, Err: context.DeadlineExceeded}
	assert.Equal(t, "fetch: timed out: context deadline exceeded", e.Error())
	assert.ErrorIs(t, e, context.DeadlineExceeded)
	assert.Equal(t, "fetch: network failure", (&Error{Kind: ErrNetwork}).Error())
}
