// Package config loads the daemon configuration from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cochaviz/hvd/internal/logging"
	"github.com/cochaviz/hvd/internal/netconf"
	"github.com/cochaviz/hvd/internal/storage"
	"github.com/cochaviz/hvd/internal/vm"
)

// DefaultPath is read when no --config flag is given.
var DefaultPath = "/etc/hvd/hvd.yaml"

const (
	DriverZFS       = "zfs"
	DriverDirectory = "dir"
)

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type StorageConfig struct {
	Driver  string `yaml:"driver"`
	Root    string `yaml:"root"`
	Dataset string `yaml:"dataset,omitempty"`
}

type NetdConfig struct {
	Socket  string        `yaml:"socket"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

type VMConfig struct {
	StopGrace time.Duration `yaml:"stop_grace"`
	Command   []string      `yaml:"command,omitempty"`
}

type AttachmentsConfig struct {
	Path string `yaml:"path,omitempty"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen,omitempty"`
}

type EventsConfig struct {
	NATSURL       string `yaml:"nats_url,omitempty"`
	SubjectPrefix string `yaml:"subject_prefix,omitempty"`
}

// Config is the daemon configuration file.
type Config struct {
	Socket      string            `yaml:"socket"`
	SocketMode  string            `yaml:"socket_mode"`
	Log         LogConfig         `yaml:"log"`
	Storage     StorageConfig     `yaml:"storage"`
	Netd        NetdConfig        `yaml:"netd"`
	VM          VMConfig          `yaml:"vm"`
	Attachments AttachmentsConfig `yaml:"attachments"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Events      EventsConfig      `yaml:"events"`
}

// DefaultConfig returns the settings used for anything the file leaves out.
func DefaultConfig() *Config {
	return &Config{
		Socket:     "/var/run/hvd.sock",
		SocketMode: "0666",
		Log:        LogConfig{Level: "info", Format: "cli"},
		Storage:    StorageConfig{Driver: DriverZFS, Root: "/hv", Dataset: "zroot/hv"},
		Netd:       NetdConfig{Socket: netconf.DefaultSocketPath},
		VM:         VMConfig{StopGrace: vm.DefaultStopGrace},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides settings from HVD_* variables. lookup is os.LookupEnv
// outside of tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	overrides := []struct {
		key    string
		target *string
	}{
		{"HVD_SOCKET", &c.Socket},
		{"HVD_STORAGE_ROOT", &c.Storage.Root},
		{"HVD_NETD_SOCKET", &c.Netd.Socket},
		{"HVD_NATS_URL", &c.Events.NATSURL},
	}
	for _, o := range overrides {
		if value, ok := lookup(o.key); ok && strings.TrimSpace(value) != "" {
			*o.target = strings.TrimSpace(value)
		}
	}
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Socket == "" {
		errs = append(errs, errors.New("socket is required"))
	}
	if _, err := c.FileMode(); err != nil {
		errs = append(errs, err)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if _, err := logging.ParseMode(c.Log.Format); err != nil {
		errs = append(errs, err)
	}
	if !filepath.IsAbs(c.Storage.Root) {
		errs = append(errs, fmt.Errorf("storage root %q must be absolute", c.Storage.Root))
	}
	switch c.Storage.Driver {
	case DriverDirectory:
	case DriverZFS:
		if c.Storage.Dataset == "" {
			errs = append(errs, errors.New("storage dataset is required for the zfs driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	if c.Netd.Socket == "" {
		errs = append(errs, errors.New("netd socket is required"))
	}
	if c.Netd.Timeout < 0 {
		errs = append(errs, errors.New("netd timeout must not be negative"))
	}
	if c.VM.StopGrace <= 0 {
		errs = append(errs, errors.New("vm stop_grace must be positive"))
	}
	if len(c.VM.Command) > 0 {
		if _, err := vm.NewProcessSupervisor(c.VM.Command); err != nil {
			errs = append(errs, fmt.Errorf("vm command: %w", err))
		}
	}
	return errors.Join(errs...)
}

// FileMode parses the octal socket permission.
func (c *Config) FileMode() (os.FileMode, error) {
	mode, err := strconv.ParseUint(strings.TrimPrefix(c.SocketMode, "0o"), 8, 32)
	if err != nil || mode > 0o777 {
		return 0, fmt.Errorf("invalid socket_mode %q", c.SocketMode)
	}
	return os.FileMode(mode), nil
}

// AttachmentsPath is the badger directory for tap attachments.
func (c *Config) AttachmentsPath() string {
	if c.Attachments.Path != "" {
		return c.Attachments.Path
	}
	return storage.Layout{Root: c.Storage.Root}.Path(storage.ConfigRoot + "/attachments")
}

// Backend builds the storage backend selected by the driver setting.
func (c *Config) Backend() storage.Backend {
	if c.Storage.Driver == DriverDirectory {
		return storage.NewDirectoryBackend(c.Storage.Root)
	}
	return storage.NewZFSBackend(c.Storage.Dataset, c.Storage.Root)
}

// Logger builds the process logger from the log section.
func (c *Config) Logger(level *slog.LevelVar) *slog.Logger {
	mode, _ := logging.ParseMode(c.Log.Format)
	if parsed, err := logging.ParseLevel(c.Log.Level); err == nil {
		level.Set(parsed)
	}
	return logging.New(mode, os.Stderr, level)
}
