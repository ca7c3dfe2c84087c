// Package config loads optional operator settings from a crew.yaml file.
// Everything has a working default; the file only overrides. Environment
// variables override the file (the teams root via PI_TEAMS_ROOT_DIR is
// resolved in teamfs).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath points at an alternate settings file.
const EnvConfigPath = "CREW_CONFIG"

// Duration is a time.Duration that unmarshals from yaml strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the setting as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Settings holds the tunable knobs for leaders and workers.
type Settings struct {
	// RootDir overrides the teams root directory.
	RootDir string `yaml:"rootDir"`

	// MaxTeammates caps how many workers a delegation round may spawn.
	MaxTeammates int `yaml:"maxTeammates"`

	// WorkerPollInterval is how often a worker drains its inboxes.
	WorkerPollInterval Duration `yaml:"workerPollInterval"`

	// LeadRefreshInterval is how often the leader reconciles its roster.
	LeadRefreshInterval Duration `yaml:"leadRefreshInterval"`

	// LeadInboxInterval is how often the leader drains its own inbox.
	LeadInboxInterval Duration `yaml:"leadInboxInterval"`

	// RPCCallTimeout bounds each request to a worker process.
	RPCCallTimeout Duration `yaml:"rpcCallTimeout"`

	// ShutdownForceAfter is how long a graceful shutdown waits for the
	// worker's approval before the process is killed.
	ShutdownForceAfter Duration `yaml:"shutdownForceAfter"`
}

// Defaults returns the settings used when no file is present.
func Defaults() Settings {
	return Settings{
		MaxTeammates:        4,
		WorkerPollInterval:  Duration(350 * time.Millisecond),
		LeadRefreshInterval: Duration(time.Second),
		LeadInboxInterval:   Duration(700 * time.Millisecond),
		RPCCallTimeout:      Duration(60 * time.Second),
		ShutdownForceAfter:  Duration(10 * time.Second),
	}
}

// DefaultPath returns where Load looks when no explicit path is given:
// $CREW_CONFIG, else ~/.crew/crew.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "crew.yaml"
	}
	return filepath.Join(home, ".crew", "crew.yaml")
}

// Load reads the settings file at path, layering it over Defaults. A
// missing file yields the defaults; a malformed file is an error.
func Load(path string) (Settings, error) {
	s := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, fmt.Errorf("read settings: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse settings: %w", err)
	}
	if s.MaxTeammates < 1 {
		s.MaxTeammates = 1
	}
	if s.MaxTeammates > 16 {
		s.MaxTeammates = 16
	}
	return s, nil
}
