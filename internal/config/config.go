// Package config loads run profiles from a TOML file and resolves them into
// session settings.
package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/BurntSushi/toml"
)

// ErrProfileNotFound is returned for an unknown profile name.
var ErrProfileNotFound = errors.New("profile not found")

// Duration is a time.Duration written as a Go duration string ("90s", "5m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if v < 0 {
		return fmt.Errorf("negative duration %q", text)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Dur wraps v for use in a Profile.
func Dur(v time.Duration) *Duration {
	return &Duration{Duration: v}
}

// PayloadMode selects how the prompt reaches the child.
type PayloadMode string

const (
	// PayloadArgument appends the prompt as the last argv element.
	PayloadArgument PayloadMode = "argument"
	// PayloadStdin writes the prompt to stdin and closes it.
	PayloadStdin PayloadMode = "stdin"
	// PayloadNone discards the prompt.
	PayloadNone PayloadMode = "none"
)

func (m PayloadMode) valid() bool {
	switch m {
	case "", PayloadArgument, PayloadStdin, PayloadNone:
		return true
	}
	return false
}

// Profile is one named run configuration. Nil and empty fields inherit from
// the defaults table.
type Profile struct {
	Command      []string          `toml:"command"`
	Env          map[string]string `toml:"env"`
	Payload      PayloadMode       `toml:"payload"`
	Sentinel     *string           `toml:"sentinel"`
	HardLimit    *Duration         `toml:"hard_limit"`
	IdleLimit    *Duration         `toml:"idle_limit"`
	GracePeriod  *Duration         `toml:"grace_period"`
	PollInterval *Duration         `toml:"poll_interval"`
}

// File is the on-disk layout of the configuration file.
type File struct {
	Defaults Profile            `toml:"defaults"`
	Profiles map[string]Profile `toml:"profiles"`
}

// Config holds the defaults table and every known profile, built-ins
// included.
type Config struct {
	defaults Profile
	profiles map[string]Profile
}

// DefaultPath returns the per-user configuration file location.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "sessionctl", "config.toml")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		defaults: builtinDefaults(),
		profiles: builtinProfiles(),
	}
}

// Load reads the TOML file at path and layers it over the built-ins.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// LoadDefault reads the file at DefaultPath if it exists and returns the
// built-ins otherwise.
func LoadDefault() (*Config, error) {
	path := DefaultPath()
	if path == "" {
		return Default(), nil
	}
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Parse decodes TOML configuration data and layers it over the built-ins.
func Parse(data []byte) (*Config, error) {
	var f File
	md, err := toml.Decode(string(data), &f)
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("parsing config: unknown key %q", undecoded[0].String())
	}

	if err := f.Defaults.validate("defaults"); err != nil {
		return nil, err
	}
	cfg := Default()
	cfg.defaults = merge(cfg.defaults, f.Defaults)
	for name, p := range f.Profiles {
		if err := p.validate(name); err != nil {
			return nil, err
		}
		cfg.profiles[name] = merge(cfg.profiles[name], p)
	}
	return cfg, nil
}

// Profile returns the named profile merged over the defaults. The empty name
// returns the defaults alone.
func (c *Config) Profile(name string) (Profile, error) {
	if name == "" {
		return c.defaults, nil
	}
	p, ok := c.profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", ErrProfileNotFound, name)
	}
	return merge(c.defaults, p), nil
}

// ProfileNames lists every known profile in sorted order.
func (c *Config) ProfileNames() []string {
	return slices.Sorted(maps.Keys(c.profiles))
}

func (p Profile) validate(name string) error {
	if !p.Payload.valid() {
		return fmt.Errorf("profile %s: unknown payload mode %q", name, p.Payload)
	}
	return nil
}

// merge layers over on top of base. Env maps are combined with over winning.
func merge(base, over Profile) Profile {
	out := base
	if len(over.Command) > 0 {
		out.Command = slices.Clone(over.Command)
	}
	if len(over.Env) > 0 {
		env := maps.Clone(base.Env)
		if env == nil {
			env = make(map[string]string, len(over.Env))
		}
		maps.Copy(env, over.Env)
		out.Env = env
	}
	if over.Payload != "" {
		out.Payload = over.Payload
	}
	if over.Sentinel != nil {
		out.Sentinel = over.Sentinel
	}
	if over.HardLimit != nil {
		out.HardLimit = over.HardLimit
	}
	if over.IdleLimit != nil {
		out.IdleLimit = over.IdleLimit
	}
	if over.GracePeriod != nil {
		out.GracePeriod = over.GracePeriod
	}
	if over.PollInterval != nil {
		out.PollInterval = over.PollInterval
	}
	return out
}
