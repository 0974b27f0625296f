// Package yamlfile provides an app.AccessPersister that keeps the access
// table in a single YAML document on the local filesystem. The file is
// replaced atomically (write temp, fsync, rename) on every save.
package yamlfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/haukened/teleprint/internal/app"
	"github.com/haukened/teleprint/internal/domain"
)

var _ app.AccessPersister = (*Persister)(nil)

// document mirrors the on-disk layout.
type document struct {
	Admin      int64    `yaml:"admin"`
	Users      []int64  `yaml:"users"`
	MailTokens []string `yaml:"mail_tokens"`
}

// Persister reads and writes the access table at path.
type Persister struct {
	path string
}

// New returns a Persister for path. The parent directory must exist.
func New(path string) (*Persister, error) {
	if path == "" {
		return nil, errors.New("yamlfile: empty path")
	}
	dir := filepath.Dir(path)
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("yamlfile: %s is not a directory", dir)
	}
	return &Persister{path: path}, nil
}

// Path returns the file backing the persister.
func (p *Persister) Path() string { return p.path }

// Load reads the file. A missing file reports found=false.
func (p *Persister) Load(_ context.Context) (app.AccessRecord, bool, error) {
	raw, err := os.ReadFile(p.path) // #nosec G304 path comes from validated configuration
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return app.AccessRecord{}, false, nil
		}
		return app.AccessRecord{}, false, err
	}
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return app.AccessRecord{}, false, fmt.Errorf("parse %s: %w", p.path, err)
	}
	rec := app.AccessRecord{Admin: domain.Identity(doc.Admin), MailTokens: doc.MailTokens}
	for _, u := range doc.Users {
		rec.Users = append(rec.Users, domain.Identity(u))
	}
	return rec, true, nil
}

// Save replaces the file with rec.
func (p *Persister) Save(_ context.Context, rec app.AccessRecord) error {
	doc := document{
		Admin:      int64(rec.Admin),
		Users:      make([]int64, 0, len(rec.Users)),
		MailTokens: rec.MailTokens,
	}
	if doc.MailTokens == nil {
		doc.MailTokens = []string{}
	}
	for _, u := range rec.Users {
		doc.Users = append(doc.Users, int64(u))
	}
	raw, err := yaml.Marshal(&doc)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p.path), ".access-*.yaml")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	// remove the temp file on any failure below; after rename it is gone anyway
	defer func() { _ = os.Remove(tmpName) }()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, p.path)
}
