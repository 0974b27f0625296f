// Package config loads the relay configuration. Values are layered
// Defaults -> YAML file -> Environment (TELEPRINT_*), decoded through
// mapstructure hooks and validated with go-playground/validator.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TELEPRINT_"

// IMAPConfig describes the inbound mailbox. An empty Server disables the
// mail channel.
type IMAPConfig struct {
	Server   string `koanf:"server" validate:"omitempty,hostname_rfc1123|ip"`
	Port     int    `koanf:"port" validate:"min=1,max=65535"`
	User     string `koanf:"user" validate:"required_with=Server"`
	Password string `koanf:"password" validate:"required_with=Server"`
	Mailbox  string `koanf:"mailbox" validate:"required"`
}

// Config holds the merged runtime configuration.
type Config struct {
	Token                string        `koanf:"token" validate:"required"`
	Printer              string        `koanf:"printer" validate:"required,printer_name"`
	DataDir              string        `koanf:"data_dir" validate:"safe_dir"`
	AccessBackend        string        `koanf:"access_backend" validate:"oneof=file sqlite"`
	AccessFile           string        `koanf:"access_file" validate:"required,excludesall=/\\"`
	FetchTimeout         time.Duration `koanf:"fetch_timeout" validate:"gt=0"`
	MaxDocumentSize      ByteSize      `koanf:"max_document_size" validate:"gt=0"`
	PollInterval         time.Duration `koanf:"poll_interval" validate:"gte=100ms"`
	LogLevel             string        `koanf:"log_level" validate:"oneof=debug info warn error"`
	OpsAddr              string        `koanf:"ops_addr" validate:"omitempty,ip_port"`
	MetricsFlushInterval time.Duration `koanf:"metrics_flush_interval" validate:"gt=0"`
	DocumentRetention    time.Duration `koanf:"document_retention" validate:"gte=0"`
	IMAP                 IMAPConfig    `koanf:"imap"`
}

// DefaultAppConfig is the lowest configuration layer.
var DefaultAppConfig = Config{
	DataDir:              "./data",
	AccessBackend:        "file",
	AccessFile:           "users.yaml",
	FetchTimeout:         10 * time.Second,
	MaxDocumentSize:      20 << 20,
	PollInterval:         time.Second,
	LogLevel:             "info",
	MetricsFlushInterval: 5 * time.Second,
	IMAP: IMAPConfig{
		Port:    993,
		Mailbox: "INBOX",
	},
}

// Loader stages, swappable in tests.
var (
	defaultLoader = func(k *koanf.Koanf) error {
		return k.Load(structs.Provider(DefaultAppConfig, "koanf"), nil)
	}
	fileLoader = func(k *koanf.Koanf, path string) error {
		if path == "" {
			return nil
		}
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return k.Load(file.Provider(path), yaml.Parser())
	}
	envLoader = func(k *koanf.Koanf) error {
		return k.Load(env.Provider(".", env.Opt{
			Prefix:        EnvPrefix,
			TransformFunc: envKey,
		}), nil)
	}
	registerValidators = func(v *validator.Validate) error {
		if err := v.RegisterValidation("ip_port", validIPPort); err != nil {
			return err
		}
		if err := v.RegisterValidation("printer_name", validPrinterName); err != nil {
			return err
		}
		return v.RegisterValidation("safe_dir", validSafeDir)
	}
)

// sections are the nested config keys; their env names use "_" where the
// key path uses ".".
var sections = []string{"imap"}

// envKey maps TELEPRINT_IMAP_SERVER to imap.server and TELEPRINT_DATA_DIR
// to data_dir.
func envKey(k, v string) (string, any) {
	key := strings.ToLower(strings.TrimPrefix(k, EnvPrefix))
	for _, s := range sections {
		if rest, ok := strings.CutPrefix(key, s+"_"); ok {
			return s + "." + rest, v
		}
	}
	return key, v
}

// Load builds the configuration from defaults, the YAML file at path (a
// missing file is not an error) and the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if err := fileLoader(k, path); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				StringToByteSizeHookFunc(),
				mapstructure.StringToTimeDurationHookFunc(),
			),
			Result:           &cfg,
			WeaklyTypedInput: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	if err := registerValidators(v); err != nil {
		return nil, fmt.Errorf("register validators: %w", err)
	}
	if err := v.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// MailEnabled reports whether an IMAP server is configured.
func (c *Config) MailEnabled() bool { return c.IMAP.Server != "" }

// AccessFilePath is the YAML access table location.
func (c *Config) AccessFilePath() string { return filepath.Join(c.DataDir, c.AccessFile) }

// DocumentsDir is where fetched documents are stored.
func (c *Config) DocumentsDir() string { return filepath.Join(c.DataDir, "documents") }

// SQLiteDSN returns the DSN for the metrics (and optional access) database.
func (c *Config) SQLiteDSN() string {
	return "file:" + filepath.Join(c.DataDir, "teleprint.db") + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_synchronous=FULL"
}

// SlogLevel converts LogLevel for slog.HandlerOptions.
func (c *Config) SlogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// validIPPort accepts "ip:port" or ":port" with a numeric port in 1..65535.
// Hostnames are rejected.
func validIPPort(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if strings.TrimSpace(s) != s || strings.Contains(s, " ") {
		return false
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil || port == "" {
		return false
	}
	if host != "" && net.ParseIP(host) == nil {
		return false
	}
	n, err := strconv.Atoi(port)
	return err == nil && n >= 1 && n <= 65535
}

// CUPS destination names: printable, no space, slash, '#' or backslash.
var printerName = regexp.MustCompile(`^[\x21-\x7e]{1,127}$`)

func validPrinterName(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	return printerName.MatchString(s) && !strings.ContainsAny(s, "/#\\") && !strings.HasPrefix(s, "-")
}

// validSafeDir rejects empty paths, the filesystem root, the working
// directory itself and any path with a ".." segment.
func validSafeDir(fl validator.FieldLevel) bool {
	p := fl.Field().String()
	if p == "" {
		return false
	}
	for _, seg := range strings.Split(filepath.ToSlash(p), "/") {
		if seg == ".." {
			return false
		}
	}
	clean := filepath.Clean(p)
	return clean != "." && clean != string(filepath.Separator)
}
