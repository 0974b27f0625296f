package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/haukened/teleprint/internal/printer"
)

// setupFile is the subset of the configuration the wizard asks for. Every
// other key keeps its default.
type setupFile struct {
	Token   string     `yaml:"token"`
	Printer string     `yaml:"printer"`
	IMAP    *setupIMAP `yaml:"imap,omitempty"`
}

type setupIMAP struct {
	Server   string `yaml:"server"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type prompter struct {
	in  *bufio.Scanner
	out io.Writer
}

func (p *prompter) ask(question string) (string, error) {
	fmt.Fprint(p.out, question)
	if !p.in.Scan() {
		if err := p.in.Err(); err != nil {
			return "", err
		}
		return "", io.ErrUnexpectedEOF
	}
	return strings.TrimSpace(p.in.Text()), nil
}

// runSetup prompts for the bot token, the printer (after listing what CUPS
// knows about) and the optional IMAP account, then writes path.
func runSetup(ctx context.Context, path string, stdin io.Reader, stdout io.Writer, runner printer.Runner) error {
	p := &prompter{in: bufio.NewScanner(stdin), out: stdout}
	var doc setupFile
	var err error

	if doc.Token, err = p.ask("Enter Telegram API token: "); err != nil {
		return fail(exitConfig, "setup: %w", err)
	}
	printers := printer.New(nil, runner, printer.Config{}).ListPrinters(ctx)
	fmt.Fprintf(stdout, "\nHere are your printers:\n%s\n\n", printers)
	if doc.Printer, err = p.ask("Enter name of the printer: "); err != nil {
		return fail(exitConfig, "setup: %w", err)
	}

	server, err := p.ask("Enter IMAP server (empty to disable mail): ")
	if err != nil {
		return fail(exitConfig, "setup: %w", err)
	}
	if server != "" {
		im := &setupIMAP{Server: server}
		rawPort, err := p.ask("Enter port [993]: ")
		if err != nil {
			return fail(exitConfig, "setup: %w", err)
		}
		im.Port = 993
		if rawPort != "" {
			n, err := strconv.ParseUint(rawPort, 10, 16)
			if err != nil || n == 0 {
				return fail(exitConfig, "setup: invalid port %q", rawPort)
			}
			im.Port = int(n)
		}
		if im.User, err = p.ask("Enter user: "); err != nil {
			return fail(exitConfig, "setup: %w", err)
		}
		if im.Password, err = p.ask("Enter password: "); err != nil {
			return fail(exitConfig, "setup: %w", err)
		}
		doc.IMAP = im
	}
	if doc.Token == "" || doc.Printer == "" {
		return fail(exitConfig, "setup: token and printer are required")
	}

	if err := writeSetup(path, doc); err != nil {
		return fail(exitConfig, "setup: %w", err)
	}
	fmt.Fprintln(stdout, "Ok")
	return nil
}

func writeSetup(path string, doc setupFile) error {
	out, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Join(err, os.Remove(tmp))
	}
	return nil
}
