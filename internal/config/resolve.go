package config

import (
	"errors"
	"maps"
	"slices"
	"time"

	"sessionctl/internal/session"
)

// ErrNoCommand is returned when neither the profile nor the caller names a
// command.
var ErrNoCommand = errors.New("no command configured")

// Overrides are per-invocation values that win over the profile.
type Overrides struct {
	Command   []string
	Env       map[string]string
	Payload   PayloadMode
	Sentinel  *string
	HardLimit *time.Duration
	IdleLimit *time.Duration
}

// Resolve turns the profile, the overrides and an optional prompt into the
// controller configuration and the request to launch. A nil prompt sends
// nothing to the child.
func (p Profile) Resolve(prompt []byte, ov Overrides) (session.Config, session.Request, error) {
	cfg := session.DefaultConfig()
	if p.Sentinel != nil {
		cfg.Sentinel = *p.Sentinel
	}
	if p.HardLimit != nil {
		cfg.HardLimit = p.HardLimit.Duration
	}
	if p.IdleLimit != nil {
		cfg.IdleLimit = p.IdleLimit.Duration
	}
	if p.GracePeriod != nil {
		cfg.GracePeriod = p.GracePeriod.Duration
	}
	if p.PollInterval != nil {
		cfg.PollInterval = p.PollInterval.Duration
		cfg.DrainWindow = p.PollInterval.Duration
	}
	if ov.Sentinel != nil {
		cfg.Sentinel = *ov.Sentinel
	}
	if ov.HardLimit != nil {
		cfg.HardLimit = *ov.HardLimit
	}
	if ov.IdleLimit != nil {
		cfg.IdleLimit = *ov.IdleLimit
	}
	if err := cfg.Validate(); err != nil {
		return session.Config{}, session.Request{}, err
	}

	argv := slices.Clone(p.Command)
	if len(ov.Command) > 0 {
		argv = slices.Clone(ov.Command)
	}
	if len(argv) == 0 {
		return session.Config{}, session.Request{}, ErrNoCommand
	}

	env := maps.Clone(p.Env)
	if len(ov.Env) > 0 {
		if env == nil {
			env = make(map[string]string, len(ov.Env))
		}
		maps.Copy(env, ov.Env)
	}

	req := session.Request{Command: argv, Env: env}

	mode := p.Payload
	if ov.Payload != "" {
		mode = ov.Payload
	}
	if prompt != nil {
		switch mode {
		case PayloadStdin:
			req.Payload = prompt
		case PayloadNone:
		default:
			req.Command = append(req.Command, string(prompt))
		}
	}

	return cfg, req, nil
}
