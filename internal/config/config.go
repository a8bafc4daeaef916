// Package config holds the operator settings persisted in config.yaml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"meshchat/internal/store"
)

const (
	DefaultDisplayName      = "Anonymous"
	DefaultAnnounceInterval = 300
	MinAnnounceInterval     = 30
	MaxStampCost            = 32
	DefaultListenAddr       = "0.0.0.0:4243"
	FileName                = "config.yaml"
)

var (
	ErrCorrupt    = errors.New("config file is corrupt")
	ErrUnknownKey = errors.New("unknown setting")
	ErrBadValue   = errors.New("invalid value")
)

type Config struct {
	DisplayName         string   `yaml:"display_name"`
	AnnounceInterval    int      `yaml:"announce_interval"`
	AutoAnnounce        bool     `yaml:"auto_announce"`
	DiscoveryAlerts     bool     `yaml:"discovery_alerts"`
	NotifySound         bool     `yaml:"notify_sound"`
	NotifyBell          bool     `yaml:"notify_bell"`
	NotifyVisual        bool     `yaml:"notify_visual"`
	StampCostEnabled    bool     `yaml:"stamp_cost_enabled"`
	StampCost           int      `yaml:"stamp_cost"`
	IgnoreInvalidStamps bool     `yaml:"ignore_invalid_stamps"`
	ListenAddr          string   `yaml:"listen_addr"`
	Links               []string `yaml:"links,omitempty"`
	PluginDir           string   `yaml:"plugin_dir,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		DisplayName:      DefaultDisplayName,
		AnnounceInterval: DefaultAnnounceInterval,
		AutoAnnounce:     true,
		DiscoveryAlerts:  true,
		NotifySound:      true,
		NotifyBell:       true,
		NotifyVisual:     true,
		ListenAddr:       DefaultListenAddr,
	}
}

// Normalize enforces floors and bounds. It is applied on load and on every
// update, so a hand-edited file cannot push values out of range.
func (c *Config) Normalize() {
	c.DisplayName = strings.TrimSpace(c.DisplayName)
	if c.DisplayName == "" {
		c.DisplayName = DefaultDisplayName
	}
	if c.AnnounceInterval < MinAnnounceInterval {
		c.AnnounceInterval = MinAnnounceInterval
	}
	if c.StampCost < 0 {
		c.StampCost = 0
	}
	if c.StampCost > MaxStampCost {
		c.StampCost = MaxStampCost
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = DefaultListenAddr
	}
}

func (c Config) Interval() time.Duration {
	return time.Duration(c.AnnounceInterval) * time.Second
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	cfg.applyEnvOverrides()
	cfg.Normalize()
	return cfg, nil
}

func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := store.WriteFile(path, data); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if name := os.Getenv("MESHCHAT_DISPLAY_NAME"); name != "" {
		c.DisplayName = name
	}
	if addr := os.Getenv("MESHCHAT_LISTEN"); addr != "" {
		c.ListenAddr = addr
	}
}

// Store is the shared, goroutine-safe holder of the live configuration.
type Store struct {
	mu      sync.RWMutex
	path    string
	cfg     Config
	log     *zap.Logger
	changed chan struct{}
	version uint64
	writer  store.Writer
}

// Open loads the configuration at path. A corrupt file is replaced with the
// defaults and a warning; a missing file is created.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg, err := Load(path)
	switch {
	case err == nil:
	case errors.Is(err, ErrCorrupt):
		log.Warn("config corrupt, restoring defaults", zap.String("path", path), zap.Error(err))
		if _, qerr := store.Quarantine(path); qerr != nil {
			log.Warn("could not move corrupt config aside", zap.Error(qerr))
		}
		cfg = DefaultConfig()
		cfg.applyEnvOverrides()
	default:
		return nil, err
	}
	cfg.Normalize()
	s := &Store{path: path, cfg: *cfg, log: log, changed: make(chan struct{})}
	if _, statErr := os.Stat(path); statErr != nil {
		if err := cfg.Save(path); err != nil {
			log.Warn("config save failed", zap.Error(err))
		}
	}
	return s, nil
}

// NewMemoryStore returns a Store that never touches disk.
func NewMemoryStore(cfg Config) *Store {
	cfg.Normalize()
	return &Store{cfg: cfg, log: zap.NewNop(), changed: make(chan struct{})}
}

func (s *Store) Path() string { return s.path }

// Changed returns a channel that is closed by the next Update.
func (s *Store) Changed() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.changed
}

func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.cfg
	out.Links = append([]string(nil), s.cfg.Links...)
	return out
}

// Update applies fn to a copy, normalizes it, stores it and saves it. The
// new value is live even when the save fails.
func (s *Store) Update(fn func(*Config)) (Config, error) {
	s.mu.Lock()
	next := s.cfg
	next.Links = append([]string(nil), s.cfg.Links...)
	fn(&next)
	next.Normalize()
	s.cfg = next
	close(s.changed)
	s.changed = make(chan struct{})
	s.version++
	version := s.version
	s.mu.Unlock()
	if s.path == "" {
		return next, nil
	}
	if err := s.writer.Write(version, func() error { return next.Save(s.path) }); err != nil {
		s.log.Warn("config save failed", zap.Error(err))
		return next, err
	}
	return next, nil
}

type setting struct {
	help  string
	apply func(c *Config, v string) error
}

func boolSetting(help string, field func(c *Config) *bool) setting {
	return setting{help: help, apply: func(c *Config, v string) error {
		b, err := parseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}}
}

var settings = map[string]setting{
	"display_name": {help: "name sent in announces", apply: func(c *Config, v string) error {
		c.DisplayName = v
		return nil
	}},
	"announce_interval": {help: fmt.Sprintf("seconds between announces (min %d)", MinAnnounceInterval), apply: func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %q is not a number", ErrBadValue, v)
		}
		c.AnnounceInterval = n
		return nil
	}},
	"stamp_cost": {help: fmt.Sprintf("required stamp bits (0-%d)", MaxStampCost), apply: func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %q is not a number", ErrBadValue, v)
		}
		c.StampCost = n
		return nil
	}},
	"auto_announce":         boolSetting("announce periodically", func(c *Config) *bool { return &c.AutoAnnounce }),
	"discovery_alerts":      boolSetting("show new peers as they announce", func(c *Config) *bool { return &c.DiscoveryAlerts }),
	"notify_sound":          boolSetting("play a sound on new messages", func(c *Config) *bool { return &c.NotifySound }),
	"notify_bell":           boolSetting("ring the terminal bell", func(c *Config) *bool { return &c.NotifyBell }),
	"notify_visual":         boolSetting("show a banner", func(c *Config) *bool { return &c.NotifyVisual }),
	"stamp_cost_enabled":    boolSetting("require stamps on inbound messages", func(c *Config) *bool { return &c.StampCostEnabled }),
	"ignore_invalid_stamps": boolSetting("drop messages with short stamps", func(c *Config) *bool { return &c.IgnoreInvalidStamps }),
}

// Keys lists the settable keys with a short description, sorted by key.
func Keys() [][2]string {
	out := make([][2]string, 0, len(settings))
	for k, s := range settings {
		out = append(out, [2]string{k, s.help})
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

// Value renders the current value of a settable key.
func (c Config) Value(key string) (string, bool) {
	if _, ok := settings[key]; !ok {
		return "", false
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", false
	}
	var fields map[string]any
	if err := yaml.Unmarshal(data, &fields); err != nil {
		return "", false
	}
	v, ok := fields[key]
	if !ok {
		return "", false
	}
	if b, isBool := v.(bool); isBool {
		if b {
			return "on", true
		}
		return "off", true
	}
	return fmt.Sprint(v), true
}

// Set parses value for key and applies it through Update.
func (s *Store) Set(key, value string) (Config, error) {
	st, ok := settings[strings.ToLower(strings.TrimSpace(key))]
	if !ok {
		return s.Get(), fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	value = strings.TrimSpace(value)
	probe := s.Get()
	if err := st.apply(&probe, value); err != nil {
		return s.Get(), err
	}
	return s.Update(func(c *Config) { _ = st.apply(c, value) })
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "on", "yes", "true", "1", "enable", "enabled":
		return true, nil
	case "off", "no", "false", "0", "disable", "disabled":
		return false, nil
	}
	return false, fmt.Errorf("%w: %q is not on/off", ErrBadValue, v)
}

// DefaultHome is ~/.meshchat, falling back to the working directory.
func DefaultHome() string {
	if h := os.Getenv("MESHCHAT_HOME"); h != "" {
		return h
	}
	dir, err := os.UserHomeDir()
	if err != nil {
		return ".meshchat"
	}
	return filepath.Join(dir, ".meshchat")
}
