// Package config loads and validates the orchestrator's YAML configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultPath is used when neither the --config flag nor the
// MATRIX_ORCHESTRATOR_CONFIG env var names a file.
const DefaultPath = "config.yaml"

// EnvConfigPath overrides the config file location.
const EnvConfigPath = "MATRIX_ORCHESTRATOR_CONFIG"

// Config is the root of the YAML document.
type Config struct {
	HomeserverURL  string    `yaml:"homeserver_url"`
	BotUserID      string    `yaml:"bot_user_id"`
	BotAccessToken string    `yaml:"bot_access_token"`
	BotPassword    string    `yaml:"bot_password"`
	Workspace      Workspace `yaml:"workspace"`
	Runtime        Runtime   `yaml:"runtime"`
	Projects       []Project `yaml:"projects"`
}

// Workspace configures the top-level chat space.
type Workspace struct {
	Name        string   `yaml:"name"`
	Topic       string   `yaml:"topic"`
	TeamMembers []string `yaml:"team_members"`
}

// Runtime holds orchestrator-level knobs.
type Runtime struct {
	StateFile        string `yaml:"state_file"`
	BridgeEntrypoint string `yaml:"bridge_entrypoint"`
	BridgeWorkdir    string `yaml:"bridge_workdir"`
	SyncTimeoutMs    int    `yaml:"sync_timeout_ms"`
	KeepErrorRooms   bool   `yaml:"keep_error_rooms"`
	// StatusAddr enables the read-only status HTTP API when non-empty,
	// e.g. ":7080".
	StatusAddr string `yaml:"status_addr"`
}

// Project is one declared project.
type Project struct {
	Key           string `yaml:"key"`
	DisplayName   string `yaml:"display_name"`
	Repo          string `yaml:"repo"`
	DefaultBranch string `yaml:"default_branch"`
	Matrix        Matrix `yaml:"matrix"`
	Spark         Spark  `yaml:"spark"`
}

// Matrix holds per-project chat naming.
type Matrix struct {
	LobbyRoomName  string `yaml:"lobby_room_name"`
	TaskRoomPrefix string `yaml:"task_room_prefix"`
}

// Spark holds per-project sandbox shape.
type Spark struct {
	Project   string    `yaml:"project"`
	Base      string    `yaml:"base"`
	MainSpark string    `yaml:"main_spark"`
	ForkMode  string    `yaml:"fork_mode"`
	Work      Work      `yaml:"work"`
	Bootstrap Bootstrap `yaml:"bootstrap"`
	Services  []Service `yaml:"services"`
}

// Work describes the shared data volume mounted into project sandboxes.
type Work struct {
	Volume    string `yaml:"volume"`
	MountPath string `yaml:"mount_path"`
}

// Bootstrap describes the optional per-project setup script.
type Bootstrap struct {
	ScriptIfExists string `yaml:"script_if_exists"`
	TimeoutSec     int    `yaml:"timeout_sec"`
	Retries        int    `yaml:"retries"`
}

// Service is a declared sidecar. Nothing runs them in this version;
// enabling one is a configuration error.
type Service struct {
	Name    string `yaml:"name"`
	Enabled bool   `yaml:"enabled"`
}

// ResolvePath returns the config file path from the explicit flag value,
// the environment, or the default, in that order.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads, parses, defaults, and validates the config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses a YAML document and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Runtime.StateFile == "" {
		c.Runtime.StateFile = "data/orchestrator-state.json"
	}
	if c.Runtime.SyncTimeoutMs == 0 {
		c.Runtime.SyncTimeoutMs = 30000
	}
	for i := range c.Projects {
		p := &c.Projects[i]
		if p.Spark.ForkMode == "" {
			p.Spark.ForkMode = "spark_fork"
		}
		if p.Spark.Work.MountPath == "" {
			p.Spark.Work.MountPath = "/work"
		}
		if p.Spark.Bootstrap.TimeoutSec == 0 {
			p.Spark.Bootstrap.TimeoutSec = 1800
		}
		if p.Spark.Bootstrap.Retries == 0 {
			p.Spark.Bootstrap.Retries = 1
		}
		if p.DisplayName == "" {
			p.DisplayName = p.Key
		}
		if p.Matrix.LobbyRoomName == "" {
			p.Matrix.LobbyRoomName = p.DisplayName + " Lobby"
		}
		if p.Matrix.TaskRoomPrefix == "" {
			p.Matrix.TaskRoomPrefix = p.Key
		}
	}
}

// Validate reports the first configuration error found.
func (c *Config) Validate() error {
	if c.HomeserverURL == "" {
		return fmt.Errorf("homeserver_url is required")
	}
	if c.BotUserID == "" {
		return fmt.Errorf("bot_user_id is required")
	}
	if c.BotAccessToken == "" && c.BotPassword == "" {
		return fmt.Errorf("one of bot_access_token or bot_password is required")
	}
	if c.BotAccessToken != "" && c.BotPassword != "" {
		return fmt.Errorf("bot_access_token and bot_password are mutually exclusive")
	}
	if c.Workspace.Name == "" {
		return fmt.Errorf("workspace.name is required")
	}

	seen := make(map[string]bool, len(c.Projects))
	for i := range c.Projects {
		p := &c.Projects[i]
		if p.Key == "" {
			return fmt.Errorf("projects[%d]: key is required", i)
		}
		if seen[p.Key] {
			return fmt.Errorf("duplicate project key %q", p.Key)
		}
		seen[p.Key] = true

		if p.Repo == "" {
			return fmt.Errorf("project %s: repo is required", p.Key)
		}
		if p.DefaultBranch == "" {
			return fmt.Errorf("project %s: default_branch is required", p.Key)
		}
		if p.Spark.ForkMode != "spark_fork" {
			return fmt.Errorf("project %s: unsupported fork_mode %q (only spark_fork is supported)", p.Key, p.Spark.ForkMode)
		}
		if p.Spark.Project == "" || p.Spark.Base == "" || p.Spark.MainSpark == "" {
			return fmt.Errorf("project %s: spark.project, spark.base, and spark.main_spark are required", p.Key)
		}
		if p.Spark.Work.Volume == "" {
			return fmt.Errorf("project %s: spark.work.volume is required", p.Key)
		}
		for _, svc := range p.Spark.Services {
			if svc.Enabled {
				return fmt.Errorf("project %s: service %q is enabled, but services are not supported in this version", p.Key, svc.Name)
			}
		}
	}
	return nil
}

// ProjectByKey returns the declared project for key, or nil.
func (c *Config) ProjectByKey(key string) *Project {
	for i := range c.Projects {
		if c.Projects[i].Key == key {
			return &c.Projects[i]
		}
	}
	return nil
}
