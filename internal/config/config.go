package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConflictPolicy controls how genuine conflicts (both sides changed,
// content differs) are resolved.
type ConflictPolicy string

const (
	// PolicyReplaceWithLocal uploads the local content over the existing
	// remote object.
	PolicyReplaceWithLocal ConflictPolicy = "replace-with-local"

	// PolicyKeepLocal leaves both sides untouched. The two versions stay
	// diverged and, because the watermark still advances, the pair is not
	// flagged again on the next run.
	PolicyKeepLocal ConflictPolicy = "keep-local"

	// PolicyKeepRemote downloads the remote content over the local file.
	PolicyKeepRemote ConflictPolicy = "keep-remote"

	// PolicyInteractive suspends the decision and hands it to an external
	// arbiter as a pending conflict with two continuations.
	PolicyInteractive ConflictPolicy = "interactive"
)

// overridesFile is the optional per-vault settings file read from the
// sync directory root.
const overridesFile = ".drive-sync.yaml"

// Config holds all configuration for drive-sync. Values come from
// environment variables, optionally overridden per vault by a
// .drive-sync.yaml file inside the sync directory.
type Config struct {
	// Google OAuth client credentials (required).
	ClientID     string `env:"GOOGLE_CLIENT_ID"`
	ClientSecret string `env:"GOOGLE_CLIENT_SECRET"`

	// RootFolderID is the remote folder all synced objects live under
	// (required). Validated at run start: must exist, be reachable, and
	// actually be a folder.
	RootFolderID string `env:"DRIVE_ROOT_FOLDER_ID"`

	// SyncDir is the local directory to reconcile (required). Resolved
	// to an absolute path at load time; path traversal checks downstream
	// rely on it being absolute.
	SyncDir string `env:"SYNC_DIR"`

	// AutoSync enables the daemon mode: watch the sync dir and run on
	// quiescence, plus a periodic run. When false the binary performs a
	// single run and exits.
	AutoSync bool `env:"AUTO_SYNC" envDefault:"true"`

	// PollInterval is how often a periodic run is scheduled regardless
	// of local activity.
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"5m"`

	// DebounceWindow is how long the vault must be quiet after a local
	// change before a change-triggered run starts.
	DebounceWindow time.Duration `env:"DEBOUNCE_WINDOW" envDefault:"5s"`

	// Direction flags. Both true means bidirectional.
	SyncToRemote   bool `env:"SYNC_TO_REMOTE" envDefault:"true"`
	SyncFromRemote bool `env:"SYNC_FROM_REMOTE" envDefault:"true"`

	// Policy applied to genuine conflicts.
	Policy ConflictPolicy `env:"CONFLICT_POLICY" envDefault:"interactive"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Overrides are the per-vault settings that may be overridden by the
// .drive-sync.yaml file in the sync directory. Pointer fields distinguish
// "absent" from zero values.
type Overrides struct {
	Policy         *ConflictPolicy `yaml:"conflict_policy"`
	PollInterval   *durationValue  `yaml:"poll_interval"`
	DebounceWindow *durationValue  `yaml:"debounce_window"`
	SyncToRemote   *bool           `yaml:"sync_to_remote"`
	SyncFromRemote *bool           `yaml:"sync_from_remote"`
}

// durationValue accepts human-readable durations ("90s", "5m") in the
// overrides file, which yaml cannot decode into time.Duration itself.
type durationValue time.Duration

func (d *durationValue) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", raw, err)
	}

	*d = durationValue(parsed)

	return nil
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables, then applies any
// per-vault overrides found in the sync directory.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.SyncDir != "" {
		absDir, err := filepath.Abs(cfg.SyncDir)
		if err != nil {
			return nil, fmt.Errorf("resolving sync dir to absolute path: %w", err)
		}

		cfg.SyncDir = absDir
	}

	if err := cfg.applyOverrides(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// applyOverrides merges the optional .drive-sync.yaml from the sync
// directory into the config. A missing file is not an error.
func (c *Config) applyOverrides() error {
	if c.SyncDir == "" {
		return nil
	}

	data, err := os.ReadFile(filepath.Join(c.SyncDir, overridesFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("reading %s: %w", overridesFile, err)
	}

	var ov Overrides
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return fmt.Errorf("parsing %s: %w", overridesFile, err)
	}

	if ov.Policy != nil {
		c.Policy = *ov.Policy
	}

	if ov.PollInterval != nil {
		c.PollInterval = time.Duration(*ov.PollInterval)
	}

	if ov.DebounceWindow != nil {
		c.DebounceWindow = time.Duration(*ov.DebounceWindow)
	}

	if ov.SyncToRemote != nil {
		c.SyncToRemote = *ov.SyncToRemote
	}

	if ov.SyncFromRemote != nil {
		c.SyncFromRemote = *ov.SyncFromRemote
	}

	return nil
}

func (c *Config) validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("GOOGLE_CLIENT_ID is required")
	}

	if c.ClientSecret == "" {
		return fmt.Errorf("GOOGLE_CLIENT_SECRET is required")
	}

	if c.RootFolderID == "" {
		return fmt.Errorf("DRIVE_ROOT_FOLDER_ID is required")
	}

	if c.SyncDir == "" {
		return fmt.Errorf("SYNC_DIR is required")
	}

	if !c.SyncToRemote && !c.SyncFromRemote {
		return fmt.Errorf("at least one of SYNC_TO_REMOTE or SYNC_FROM_REMOTE must be true")
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}

	if c.DebounceWindow <= 0 {
		return fmt.Errorf("DEBOUNCE_WINDOW must be positive")
	}

	switch c.Policy {
	case PolicyReplaceWithLocal, PolicyKeepLocal, PolicyKeepRemote, PolicyInteractive:
	default:
		return fmt.Errorf("unknown CONFLICT_POLICY %q", c.Policy)
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
