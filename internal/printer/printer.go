// Package printer hands stored documents to the local CUPS spooler and wraps
// the spooler's status and cancel tools.
package printer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haukened/teleprint/internal/app"
	"github.com/haukened/teleprint/internal/domain"
	"github.com/haukened/teleprint/internal/metrics"
)

// ErrNoSuchDocument is returned when a named document is not in storage.
var ErrNoSuchDocument = errors.New("no such document")

// Error reports a failure of a spooler tool. Output holds the diagnostic
// text the tool produced and is meant to be shown to the admin verbatim.
type Error struct {
	Op     string
	Output string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Output != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v: %s", e.Op, e.Err, e.Output)
	case e.Output != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Output)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Config holds Dispatcher settings.
type Config struct {
	Printer string // CUPS destination passed to lp -d
	Logger  *slog.Logger
	Metrics app.Metrics
}

// Dispatcher submits print jobs and queries the spooler.
type Dispatcher struct {
	store  app.DocumentStorage
	runner Runner
	cfg    Config
	log    *slog.Logger
}

// New constructs a Dispatcher. A nil runner uses ExecRunner.
func New(store app.DocumentStorage, runner Runner, cfg Config) *Dispatcher {
	if runner == nil {
		runner = ExecRunner{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = app.NopMetrics{}
	}
	return &Dispatcher{store: store, runner: runner, cfg: cfg, log: cfg.Logger.With("domain", "printer")}
}

// Print submits the stored document to the configured printer. It returns
// once lp has started; the exit status is only logged.
func (d *Dispatcher) Print(ctx context.Context, name domain.DocumentName) error {
	if err := d.requireStored(name); err != nil {
		return err
	}
	path := d.store.Path(name)
	wait, err := d.runner.Start("lp", "-d", d.cfg.Printer, path)
	if err != nil {
		d.cfg.Metrics.Inc(metrics.CounterPrintsFailed, 1)
		return &Error{Op: "lp", Err: err}
	}
	d.cfg.Metrics.Inc(metrics.CounterPrintsSubmitted, 1)
	d.log.Info("print submitted", "document", name, "printer", d.cfg.Printer)
	go func() {
		if err := wait(); err != nil {
			d.cfg.Metrics.Inc(metrics.CounterPrintsFailed, 1)
			d.log.Warn("lp exited", "document", name, "error", err)
			return
		}
		d.log.Debug("lp exited", "document", name)
	}()
	return nil
}

// Delete removes a stored document.
func (d *Dispatcher) Delete(name domain.DocumentName) error {
	if err := d.requireStored(name); err != nil {
		return err
	}
	return d.store.Delete(name)
}

// Files lists stored documents.
func (d *Dispatcher) Files() ([]domain.DocumentName, error) {
	return d.store.List()
}

// Path returns the local path of a stored document.
func (d *Dispatcher) Path(name domain.DocumentName) (string, error) {
	if err := d.requireStored(name); err != nil {
		return "", err
	}
	return d.store.Path(name), nil
}

// Status returns the lpstat report. Failures are folded into the text.
func (d *Dispatcher) Status(ctx context.Context) string {
	return d.report(ctx, "lpstat", "lpstat")
}

// ListPrinters returns the lpstat -p report.
func (d *Dispatcher) ListPrinters(ctx context.Context) string {
	return d.report(ctx, "lpstat -p", "lpstat", "-p")
}

func (d *Dispatcher) report(ctx context.Context, title, name string, args ...string) string {
	out, err := d.runner.Output(ctx, name, args...)
	if err != nil {
		return "lpstat error:\n" + err.Error()
	}
	return title + ":\n" + string(out)
}

// Cancel cancels a job by id. cancel is silent on success, so any output of
// three or more characters is treated as a diagnostic.
func (d *Dispatcher) Cancel(ctx context.Context, job string) error {
	job = strings.TrimSpace(job)
	if job == "" || strings.HasPrefix(job, "-") || strings.ContainsAny(job, " \t\r\n") {
		return &Error{Op: "cancel", Output: fmt.Sprintf("invalid job id %q", job)}
	}
	out, err := d.runner.Output(ctx, "cancel", job)
	if err != nil {
		var pe *Error
		if errors.As(err, &pe) {
			return pe
		}
		return &Error{Op: "cancel", Output: string(out), Err: err}
	}
	if len(out) >= 3 {
		return &Error{Op: "cancel", Output: string(out)}
	}
	d.log.Info("job canceled", "job", job)
	return nil
}

func (d *Dispatcher) requireStored(name domain.DocumentName) error {
	if !name.Valid() {
		return domain.ErrInvalidDocumentName
	}
	ok, err := d.store.Exists(name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchDocument, name)
	}
	return nil
}
