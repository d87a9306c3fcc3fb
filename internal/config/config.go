package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/probectl/probectl/internal/targets"
)

const (
	defaultServerBinary   = "openocd"
	defaultTelnetHost     = "localhost"
	defaultTelnetPort     = 4444
	defaultStartupSettle  = 2 * time.Second
	defaultConnectTimeout = 5 * time.Second
	defaultBannerTimeout  = 2 * time.Second
	defaultCommandTimeout = 5 * time.Second
	defaultRetryDelay     = 500 * time.Millisecond
	defaultHaltSettle     = 500 * time.Millisecond
	defaultStopTimeout    = 5 * time.Second
	defaultMaxRetries     = 3
	defaultFlashAddress   = 0x08000000
)

// DefaultFailureKeywords are the response substrings treated as command
// failure. The console protocol carries no structured status, so failure
// detection is a keyword scan; informational text containing one of these
// words misclassifies, which is why the list is overridable per config.
var DefaultFailureKeywords = []string{
	"failed",
	"error",
	"target not halted",
	"cannot",
	"invalid",
}

// Config stores runtime settings loaded from TOML files.
type Config struct {
	ServerBinary string
	TelnetHost   string
	TelnetPort   int

	StartupSettle  time.Duration
	ConnectTimeout time.Duration
	BannerTimeout  time.Duration
	CommandTimeout time.Duration
	RetryDelay     time.Duration
	HaltSettle     time.Duration
	StopTimeout    time.Duration

	MaxRetries          int
	DefaultFlashAddress uint32
	FailureKeywords     []string

	// PreservePartialReads keeps surplus bytes buffered when a read times
	// out before the prompt arrives. Off by default to match the observed
	// console behavior, which discards the partial frame.
	PreservePartialReads bool

	DefaultTarget   string
	TargetOverrides []targets.Target
}

type fileConfig struct {
	ServerBinary *string `toml:"server_binary"`
	TelnetHost   *string `toml:"telnet_host"`
	TelnetPort   *int    `toml:"telnet_port"`

	StartupSettle  *string `toml:"startup_settle"`
	ConnectTimeout *string `toml:"connect_timeout"`
	BannerTimeout  *string `toml:"banner_timeout"`
	CommandTimeout *string `toml:"command_timeout"`
	RetryDelay     *string `toml:"retry_delay"`
	HaltSettle     *string `toml:"halt_settle"`
	StopTimeout    *string `toml:"stop_timeout"`

	MaxRetries          *int      `toml:"max_retries"`
	DefaultFlashAddress *string   `toml:"default_flash_address"`
	FailureKeywords     *[]string `toml:"failure_keywords"`

	PreservePartialReads *bool `toml:"preserve_partial_reads"`

	DefaultTarget *string                     `toml:"default_target"`
	Targets       map[string]fileTargetConfig `toml:"targets"`
}

type fileTargetConfig struct {
	Description     *string `toml:"description"`
	InterfaceConfig *string `toml:"interface_config"`
	TargetConfig    *string `toml:"target_config"`
}

// Default returns the built-in configuration without reading any files.
func Default() *Config {
	cfg := defaults()
	return &cfg
}

// Load reads config from ~/.probectl/config.toml and overlays a
// project-local .probectl/config.toml.
func Load() (*Config, error) {
	cfg := defaults()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	paths := []string{
		filepath.Join(homeDir, ".probectl", "config.toml"),
		filepath.Join(workingDir, ".probectl", "config.toml"),
	}

	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}

func defaults() Config {
	return Config{
		ServerBinary:        defaultServerBinary,
		TelnetHost:          defaultTelnetHost,
		TelnetPort:          defaultTelnetPort,
		StartupSettle:       defaultStartupSettle,
		ConnectTimeout:      defaultConnectTimeout,
		BannerTimeout:       defaultBannerTimeout,
		CommandTimeout:      defaultCommandTimeout,
		RetryDelay:          defaultRetryDelay,
		HaltSettle:          defaultHaltSettle,
		StopTimeout:         defaultStopTimeout,
		MaxRetries:          defaultMaxRetries,
		DefaultFlashAddress: defaultFlashAddress,
		FailureKeywords:     append([]string(nil), DefaultFailureKeywords...),
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}

	if err := applyScalarOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}
	applyTargetOverrides(cfg, decoded)

	return nil
}

func applyScalarOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.ServerBinary != nil {
		binary := strings.TrimSpace(*decoded.ServerBinary)
		if binary == "" {
			return fmt.Errorf("parse server_binary in %q: must not be empty", path)
		}
		cfg.ServerBinary = binary
	}
	if decoded.TelnetHost != nil {
		host := strings.TrimSpace(*decoded.TelnetHost)
		if host == "" {
			return fmt.Errorf("parse telnet_host in %q: must not be empty", path)
		}
		cfg.TelnetHost = host
	}
	if decoded.TelnetPort != nil {
		if *decoded.TelnetPort <= 0 || *decoded.TelnetPort > 65535 {
			return fmt.Errorf("parse telnet_port in %q: must be in 1..65535", path)
		}
		cfg.TelnetPort = *decoded.TelnetPort
	}
	if decoded.MaxRetries != nil {
		if *decoded.MaxRetries <= 0 {
			return fmt.Errorf("parse max_retries in %q: must be > 0", path)
		}
		cfg.MaxRetries = *decoded.MaxRetries
	}
	if decoded.DefaultFlashAddress != nil {
		address, err := ParseAddress(*decoded.DefaultFlashAddress)
		if err != nil {
			return fmt.Errorf("parse default_flash_address in %q: %w", path, err)
		}
		cfg.DefaultFlashAddress = address
	}
	if decoded.FailureKeywords != nil {
		keywords := normalizeKeywords(*decoded.FailureKeywords)
		if len(keywords) == 0 {
			return fmt.Errorf("parse failure_keywords in %q: must not be empty", path)
		}
		cfg.FailureKeywords = keywords
	}
	if decoded.PreservePartialReads != nil {
		cfg.PreservePartialReads = *decoded.PreservePartialReads
	}
	if decoded.DefaultTarget != nil {
		cfg.DefaultTarget = strings.ToLower(strings.TrimSpace(*decoded.DefaultTarget))
	}
	return nil
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	overrides := []struct {
		value *string
		key   string
		dst   *time.Duration
	}{
		{decoded.StartupSettle, "startup_settle", &cfg.StartupSettle},
		{decoded.ConnectTimeout, "connect_timeout", &cfg.ConnectTimeout},
		{decoded.BannerTimeout, "banner_timeout", &cfg.BannerTimeout},
		{decoded.CommandTimeout, "command_timeout", &cfg.CommandTimeout},
		{decoded.RetryDelay, "retry_delay", &cfg.RetryDelay},
		{decoded.HaltSettle, "halt_settle", &cfg.HaltSettle},
		{decoded.StopTimeout, "stop_timeout", &cfg.StopTimeout},
	}

	for _, override := range overrides {
		if override.value == nil {
			continue
		}
		parsed, err := parseDuration(*override.value, override.key, path)
		if err != nil {
			return err
		}
		*override.dst = parsed
	}
	return nil
}

func applyTargetOverrides(cfg *Config, decoded fileConfig) {
	for id, entry := range decoded.Targets {
		override := targets.Target{ID: id}
		if entry.Description != nil {
			override.Description = strings.TrimSpace(*entry.Description)
		}
		if entry.InterfaceConfig != nil {
			override.InterfaceConfig = strings.TrimSpace(*entry.InterfaceConfig)
		}
		if entry.TargetConfig != nil {
			override.TargetConfig = strings.TrimSpace(*entry.TargetConfig)
		}
		cfg.TargetOverrides = append(cfg.TargetOverrides, override)
	}
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("parse %s in %q: must be > 0", key, path)
	}
	return parsed, nil
}

// ParseAddress parses a 32-bit address or word value written as hex
// (0x-prefixed or bare) or decimal.
func ParseAddress(value string) (uint32, error) {
	trimmed := strings.TrimSpace(strings.ToLower(value))
	if trimmed == "" {
		return 0, errors.New("address must not be empty")
	}

	base := 10
	if strings.HasPrefix(trimmed, "0x") {
		trimmed = strings.TrimPrefix(trimmed, "0x")
		base = 16
	}
	parsed, err := strconv.ParseUint(trimmed, base, 32)
	if err != nil {
		return 0, fmt.Errorf("parse address %q: %w", value, err)
	}
	return uint32(parsed), nil
}

func normalizeKeywords(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	for _, keyword := range keywords {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		if normalized == "" {
			continue
		}
		out = append(out, normalized)
	}
	return out
}
