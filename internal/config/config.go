// Package config loads relay's configuration and builds the location table.
//
// Settings come from <home>/config.toml, where home is $RELAY_HOME or
// ~/.config/relay, overridden by RELAY_* environment variables (dots in
// keys become underscores: RELAY_HISTORY_BACKEND, RELAY_WATCH_DEBOUNCE).
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/relaysync/relay/internal/fsutil"
	"github.com/relaysync/relay/internal/history"
	"github.com/relaysync/relay/internal/resource"
)

// Client ids in priority order. The central store always comes last.
const (
	ClientClaude   = "claude"
	ClientCodex    = "codex"
	ClientOpenCode = "opencode"
	ClientCursor   = "cursor"
)

// Clients lists every supported client in location-table order.
var Clients = []string{ClientClaude, ClientCodex, ClientOpenCode, ClientCursor}

// FileName is the config file inside the relay home.
const FileName = "config.toml"

// ClientPaths holds where one client keeps each ability. Empty means the
// client does not support it.
type ClientPaths struct {
	Commands string `mapstructure:"commands" toml:"commands,omitempty"`
	Skills   string `mapstructure:"skills" toml:"skills,omitempty"`
	Agents   string `mapstructure:"agents" toml:"agents,omitempty"`
	Rules    string `mapstructure:"rules" toml:"rules,omitempty"`
}

// WatchConfig configures the watch engine.
type WatchConfig struct {
	Debounce time.Duration `mapstructure:"debounce"`
}

// HistoryConfig configures the history ledger.
type HistoryConfig struct {
	Backend history.Backend `mapstructure:"backend"`
}

// Config is relay's resolved configuration.
type Config struct {
	// Home is the relay home directory; it is not stored in the file.
	Home string `mapstructure:"-"`

	EnabledClients []string      `mapstructure:"enabled_clients"`
	CentralDir     string        `mapstructure:"central_dir"`
	Claude         ClientPaths   `mapstructure:"claude"`
	Codex          ClientPaths   `mapstructure:"codex"`
	OpenCode       ClientPaths   `mapstructure:"opencode"`
	Cursor         ClientPaths   `mapstructure:"cursor"`
	Watch          WatchConfig   `mapstructure:"watch"`
	History        HistoryConfig `mapstructure:"history"`
	Debug          bool          `mapstructure:"debug"`
	LogFile        string        `mapstructure:"log_file"`
}

// HomeDir returns $RELAY_HOME, or ~/.config/relay.
func HomeDir() (string, error) {
	if h := os.Getenv("RELAY_HOME"); h != "" {
		return h, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "relay"), nil
}

// Load reads the configuration from the default relay home.
func Load() (*Config, error) {
	home, err := HomeDir()
	if err != nil {
		return nil, err
	}
	return LoadFrom(home)
}

// LoadFrom reads <home>/config.toml over the defaults. A missing file is
// not an error.
func LoadFrom(home string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(filepath.Join(home, FileName))
	v.SetConfigType("toml")
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := setDefaults(v, home); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Home = home
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, home string) error {
	user, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to resolve home directory: %w", err)
	}
	claude := toolHome(user, "CLAUDE_HOME", ".claude")
	codex := toolHome(user, "CODEX_HOME", ".codex")
	opencode := toolHome(user, "OPENCODE_HOME", filepath.Join(".config", "opencode"))
	cursor := toolHome(user, "CURSOR_HOME", ".cursor")

	v.SetDefault("enabled_clients", Clients)
	v.SetDefault("central_dir", home)

	v.SetDefault("claude.commands", filepath.Join(claude, "commands"))
	v.SetDefault("claude.skills", filepath.Join(claude, "skills"))
	v.SetDefault("claude.agents", "")
	v.SetDefault("claude.rules", "")

	v.SetDefault("codex.commands", filepath.Join(codex, "prompts"))
	v.SetDefault("codex.skills", filepath.Join(codex, "skills"))
	v.SetDefault("codex.agents", filepath.Join(codex, "AGENTS.md"))
	v.SetDefault("codex.rules", filepath.Join(codex, "rules", "default.rules"))

	v.SetDefault("opencode.commands", filepath.Join(opencode, "command"))
	v.SetDefault("opencode.skills", filepath.Join(opencode, "skill"))
	v.SetDefault("opencode.agents", filepath.Join(opencode, "AGENTS.md"))
	v.SetDefault("opencode.rules", "")

	v.SetDefault("cursor.commands", filepath.Join(cursor, "commands"))
	v.SetDefault("cursor.skills", "")
	v.SetDefault("cursor.agents", "")
	v.SetDefault("cursor.rules", "")

	v.SetDefault("watch.debounce", 300*time.Millisecond)
	v.SetDefault("history.backend", string(history.BackendSQLite))
	v.SetDefault("debug", false)
	v.SetDefault("log_file", "")
	return nil
}

// toolHome returns $env when set, else user/suffix.
func toolHome(user, env, suffix string) string {
	if p := os.Getenv(env); p != "" {
		return p
	}
	return filepath.Join(user, suffix)
}

// Validate checks values that would otherwise fail later.
func (c *Config) Validate() error {
	for _, name := range c.EnabledClients {
		if !slices.Contains(Clients, name) {
			return fmt.Errorf("unknown client %q in enabled_clients", name)
		}
	}
	switch c.History.Backend {
	case history.BackendSQLite, history.BackendTOML:
	default:
		return fmt.Errorf("unknown history backend %q", c.History.Backend)
	}
	if c.Watch.Debounce <= 0 {
		return fmt.Errorf("watch.debounce must be positive, got %s", c.Watch.Debounce)
	}
	if c.CentralDir == "" {
		return fmt.Errorf("central_dir must be set")
	}
	return nil
}

// StateDir returns where relay keeps blobs, history, journals and locks.
func (c *Config) StateDir() string {
	return filepath.Join(c.Home, "state")
}

// BlobDir returns the blob store root.
func (c *Config) BlobDir() string {
	return filepath.Join(c.StateDir(), "blobs")
}

// Path returns the config file path.
func (c *Config) Path() string {
	return filepath.Join(c.Home, FileName)
}

// Enabled reports whether client is enabled.
func (c *Config) Enabled(client string) bool {
	return slices.Contains(c.EnabledClients, client)
}

func (c *Config) paths(client string) ClientPaths {
	switch client {
	case ClientClaude:
		return c.Claude
	case ClientCodex:
		return c.Codex
	case ClientOpenCode:
		return c.OpenCode
	case ClientCursor:
		return c.Cursor
	}
	return ClientPaths{}
}

// Locations builds the ordered location table: enabled clients in fixed
// priority order, then the central store. The order breaks mtime ties.
func (c *Config) Locations() []resource.Location {
	var locs []resource.Location
	add := func(owner string, p ClientPaths) {
		for _, entry := range []struct {
			ability resource.Ability
			path    string
		}{
			{resource.Command, p.Commands},
			{resource.Skill, p.Skills},
			{resource.Agent, p.Agents},
			{resource.Rule, p.Rules},
		} {
			if entry.path != "" {
				locs = append(locs, resource.Location{Owner: owner, Ability: entry.ability, Path: entry.path})
			}
		}
	}
	for _, client := range Clients {
		if c.Enabled(client) {
			add(client, c.paths(client))
		}
	}
	add(resource.CentralOwner, ClientPaths{
		Commands: filepath.Join(c.CentralDir, "commands"),
		Skills:   filepath.Join(c.CentralDir, "skills"),
		Agents:   filepath.Join(c.CentralDir, "agents", "AGENTS.md"),
		Rules:    filepath.Join(c.CentralDir, "rules", "default.rules"),
	})
	return locs
}

// fileConfig is the on-disk shape written by Save.
type fileConfig struct {
	EnabledClients []string    `toml:"enabled_clients"`
	CentralDir     string      `toml:"central_dir"`
	Claude         ClientPaths `toml:"claude"`
	Codex          ClientPaths `toml:"codex"`
	OpenCode       ClientPaths `toml:"opencode"`
	Cursor         ClientPaths `toml:"cursor"`
	Watch          struct {
		Debounce string `toml:"debounce"`
	} `toml:"watch"`
	History struct {
		Backend string `toml:"backend"`
	} `toml:"history"`
	Debug   bool   `toml:"debug,omitempty"`
	LogFile string `toml:"log_file,omitempty"`
}

// Save writes c to <home>/config.toml atomically.
func (c *Config) Save() error {
	fc := fileConfig{
		EnabledClients: c.EnabledClients,
		CentralDir:     c.CentralDir,
		Claude:         c.Claude,
		Codex:          c.Codex,
		OpenCode:       c.OpenCode,
		Cursor:         c.Cursor,
		Debug:          c.Debug,
		LogFile:        c.LogFile,
	}
	fc.Watch.Debounce = c.Watch.Debounce.String()
	fc.History.Backend = string(c.History.Backend)

	err := fsutil.WriteAtomic(c.Path(), 0o644, func(w io.Writer) error {
		return toml.NewEncoder(w).Encode(fc)
	})
	if err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}
