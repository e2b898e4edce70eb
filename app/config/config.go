// Package config loads ganga settings from the yaml config file (gangarc). Values missing from
// the file keep their defaults, command line flags applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/umputun/ganga/app/conditions"
)

// Config is the root of the gangarc file
type Config struct {
	GangaDir   string            `yaml:"gangadir" json:"gangadir" jsonschema:"description=root directory of registries and job workspaces"`
	Repository Repository        `yaml:"repository" json:"repository,omitempty"`
	Polling    Polling           `yaml:"polling" json:"polling,omitempty"`
	Registry   Registry          `yaml:"registry" json:"registry,omitempty"`
	Cleanup    Cleanup           `yaml:"cleanup" json:"cleanup,omitempty"`
	Conditions conditions.Config `yaml:"conditions" json:"conditions,omitempty" jsonschema:"description=host conditions for local jobs"`
	Notify     Notify            `yaml:"notify" json:"notify,omitempty"`
	Web        Web               `yaml:"web" json:"web,omitempty"`
}

// Repository defines storage of registries
type Repository struct {
	Type         string   `yaml:"type" json:"type,omitempty" jsonschema:"enum=file,enum=sqlite,default=file"`
	LockAttempts int      `yaml:"lock_attempts" json:"lock_attempts,omitempty" jsonschema:"minimum=1,maximum=100,default=50"`
	LockDelay    Duration `yaml:"lock_delay" json:"lock_delay,omitempty" jsonschema:"description=delay between lock attempts"`
}

// Polling defines the background monitor
type Polling struct {
	Interval        Duration `yaml:"interval" json:"interval,omitempty" jsonschema:"description=poll cycle interval"`
	Concurrency     int      `yaml:"concurrency" json:"concurrency,omitempty" jsonschema:"minimum=1,maximum=256,default=4"`
	Timeout         Duration `yaml:"timeout" json:"timeout,omitempty" jsonschema:"description=timeout of a single backend poll"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" json:"shutdown_timeout,omitempty"`
	MaxResubmits    int      `yaml:"max_resubmits" json:"max_resubmits,omitempty" jsonschema:"minimum=0,maximum=100,default=3,description=automatic resubmits of a failed job with auto_resubmit"`
}

// Registry defines registry behaviour
type Registry struct {
	AutoflushInterval Duration `yaml:"autoflush_interval" json:"autoflush_interval,omitempty" jsonschema:"description=flush interval of dirty objects (0 disables)"`
}

// Cleanup defines startup cleanup
type Cleanup struct {
	StaleSessions    bool     `yaml:"stale_sessions" json:"stale_sessions,omitempty" jsonschema:"description=remove sessions of dead processes"`
	SessionMaxAge    Duration `yaml:"session_max_age" json:"session_max_age,omitempty" jsonschema:"description=sessions of other hosts not touched for this long are stale"`
	RemoveIncomplete bool     `yaml:"remove_incomplete" json:"remove_incomplete,omitempty" jsonschema:"description=remove jobs with interrupted submit instead of rolling them back"`
}

// Notify defines notifications on finished jobs
type Notify struct {
	OnError       bool     `yaml:"on_error" json:"on_error,omitempty"`
	OnCompletion  bool     `yaml:"on_completion" json:"on_completion,omitempty"`
	ErrorTemplate string   `yaml:"error_template" json:"error_template,omitempty"`
	DoneTemplate  string   `yaml:"completion_template" json:"completion_template,omitempty"`
	HostName      string   `yaml:"host" json:"host,omitempty"`
	Timeout       Duration `yaml:"timeout" json:"timeout,omitempty"`
	SMTP          SMTP     `yaml:"smtp" json:"smtp,omitempty"`
	From          string   `yaml:"from" json:"from,omitempty"`
	To            []string `yaml:"to" json:"to,omitempty"`
	SlackToken    string   `yaml:"slack_token" json:"slack_token,omitempty"`
	SlackChannels []string `yaml:"slack_channels" json:"slack_channels,omitempty"`
	Webhooks      []string `yaml:"webhooks" json:"webhooks,omitempty"`
}

// SMTP server params
type SMTP struct {
	Host     string   `yaml:"host" json:"host,omitempty"`
	Port     int      `yaml:"port" json:"port,omitempty"`
	Username string   `yaml:"username" json:"username,omitempty"`
	Password string   `yaml:"password" json:"password,omitempty"`
	TLS      bool     `yaml:"tls" json:"tls,omitempty"`
	Timeout  Duration `yaml:"timeout" json:"timeout,omitempty"`
}

// Web defines the monitoring api
type Web struct {
	Enabled      bool   `yaml:"enabled" json:"enabled,omitempty"`
	Address      string `yaml:"address" json:"address,omitempty" jsonschema:"default=:8080"`
	PasswordHash string `yaml:"password_hash" json:"password_hash,omitempty" jsonschema:"description=bcrypt hash for basic auth (empty disables auth)"`
	RateLimit    int    `yaml:"rate_limit" json:"rate_limit,omitempty" jsonschema:"description=requests per second per client"`
}

// Duration is time.Duration kept in yaml as "10s", "1m30s"
type Duration time.Duration

// UnmarshalYAML parses duration string, plain numbers taken as seconds
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration expected: %w", err)
	}
	if s == "" {
		*d = 0
		return nil
	}
	if v, err := time.ParseDuration(s); err == nil {
		*d = Duration(v)
		return nil
	}
	var secs int
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// MarshalYAML writes duration as string
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// JSONSchema describes duration as a string
func (Duration) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Pattern: `^([0-9]+(\.[0-9]+)?(ns|us|ms|s|m|h))+$|^[0-9]+$`,
		Examples: []any{"10s", "1m30s"}}
}

// D returns time.Duration
func (d Duration) D() time.Duration { return time.Duration(d) }

// Default makes config with all defaults, gangadir is ~/gangadir
func Default() *Config {
	dir := "gangadir"
	if home, err := os.UserHomeDir(); err == nil {
		dir = filepath.Join(home, "gangadir")
	}
	return &Config{
		GangaDir:   dir,
		Repository: Repository{Type: "file", LockAttempts: 50, LockDelay: Duration(100 * time.Millisecond)},
		Polling: Polling{Interval: Duration(10 * time.Second), Concurrency: 4, Timeout: Duration(time.Minute),
			ShutdownTimeout: Duration(10 * time.Second), MaxResubmits: 3},
		Registry: Registry{AutoflushInterval: Duration(time.Minute)},
		Cleanup:  Cleanup{StaleSessions: true, SessionMaxAge: Duration(24 * time.Hour)},
		Notify:   Notify{Timeout: Duration(10 * time.Second), SMTP: SMTP{Port: 25, Timeout: Duration(10 * time.Second)}},
		Web:      Web{Address: ":8080", RateLimit: 10},
	}
}

// Load reads config file over defaults and verifies the result. Missing file reported as
// an error wrapping os.ErrNotExist, so callers may ignore it for the default location.
func Load(path string) (*Config, error) {
	res := Default()
	data, err := os.ReadFile(path) //nolint:gosec // config path from user
	if err != nil {
		return nil, fmt.Errorf("can't read config %s: %w", path, err)
	}
	if err := Parse(data, res); err != nil {
		return nil, fmt.Errorf("can't parse config %s: %w", path, err)
	}
	if err := res.Verify(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return res, nil
}

// LoadOrDefault is Load returning defaults if the file doesn't exist
func LoadOrDefault(path string) (*Config, error) {
	res, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return res, err
}

// Parse decodes yaml into cfg, unknown keys rejected
func Parse(data []byte, cfg *Config) error {
	if strings.TrimSpace(string(data)) == "" {
		return nil
	}
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	cfg.GangaDir = ExpandHome(cfg.GangaDir)
	return nil
}

// ExpandHome replaces leading ~ with the user home dir
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
