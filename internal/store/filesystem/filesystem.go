// Package filesystem provides the app.DocumentStorage implementation backed
// by a local directory. Documents are content addressed: the file name is
// the domain.DocumentName, so storing identical bytes twice under the same
// discriminator touches the disk only once.
package filesystem

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/haukened/teleprint/internal/app"
	"github.com/haukened/teleprint/internal/domain"
)

// Ensure DocStore implements app.DocumentStorage
var _ app.DocumentStorage = (*DocStore)(nil)

// incomingPrefix marks documents still being written.
const incomingPrefix = ".incoming-"

// DocStore implements app.DocumentStorage using the local filesystem.
type DocStore struct {
	root string
}

// New returns a filesystem-backed document store rooted at dir. The directory
// must already exist.
func New(root string) (*DocStore, error) {
	fi, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, errors.New("document root is not a directory")
	}
	return &DocStore{root: root}, nil
}

// Root returns the directory documents are stored in.
func (d *DocStore) Root() string { return d.root }

// Path constructs the full path to the document file for name.
func (d *DocStore) Path(name domain.DocumentName) string {
	return filepath.Join(d.root, name.String())
}

// Write stores data under name. An existing file with that name already
// holds the same bytes and is left untouched. New files are written to a
// temporary name, synced, then renamed into place so readers never observe
// a partial document.
func (d *DocStore) Write(name domain.DocumentName, data []byte) error {
	if !name.Valid() {
		return domain.ErrInvalidDocumentName
	}
	p := d.Path(name)
	if _, err := os.Stat(p); err == nil {
		return nil
	}
	tmp, err := os.CreateTemp(d.root, incomingPrefix+"*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(data); err == nil {
		err = tmp.Sync()
	}
	if cErr := tmp.Close(); err == nil {
		err = cErr
	}
	if err == nil {
		err = os.Chmod(tmpName, 0o600)
	}
	if err == nil {
		err = os.Rename(tmpName, p)
	}
	if err != nil {
		// delete partial file on error
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// Exists reports whether name is stored.
func (d *DocStore) Exists(name domain.DocumentName) (bool, error) {
	if !name.Valid() {
		return false, domain.ErrInvalidDocumentName
	}
	fi, err := os.Stat(d.Path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return fi.Mode().IsRegular(), nil
}

// Delete removes the document file for name.
func (d *DocStore) Delete(name domain.DocumentName) error {
	if !name.Valid() {
		return domain.ErrInvalidDocumentName
	}
	return os.Remove(d.Path(name))
}

// List returns every stored document name, sorted. Files that do not parse
// as a document name (temporaries, foreign files) are skipped.
func (d *DocStore) List() ([]domain.DocumentName, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, err
	}
	var names []domain.DocumentName
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name, err := domain.ParseDocumentName(e.Name())
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names, nil
}

// ModTime returns when name was written.
func (d *DocStore) ModTime(name domain.DocumentName) (time.Time, error) {
	if !name.Valid() {
		return time.Time{}, domain.ErrInvalidDocumentName
	}
	fi, err := os.Stat(d.Path(name))
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}

// Reconcile removes temporaries left behind by interrupted writes that are
// older than cutoff. It returns how many were removed.
func (d *DocStore) Reconcile(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return 0, err
	}
	removed := 0
	var errs []error
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.HasPrefix(e.Name(), incomingPrefix) {
			continue
		}
		fi, err := e.Info()
		if err != nil || !fi.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(d.root, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
