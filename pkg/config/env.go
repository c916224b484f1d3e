package config

import (
	"fmt"
	"os"
	"strconv"
)

// Environment variables read by ApplyEnv.
const (
	EnvConfig  = "GWCLIENT_CONFIG"
	EnvURL     = "GWCLIENT_URL"
	EnvToken   = "GWCLIENT_TOKEN"
	EnvIntents = "GWCLIENT_INTENTS"
)

// ApplyEnv overrides gateway settings from the environment. A nil lookup
// uses os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	g := c.gateway()

	if v, ok := lookup(EnvURL); ok && v != "" {
		g.URL = v
	}
	if v, ok := lookup(EnvToken); ok && v != "" {
		g.Token = v
	}
	if v, ok := lookup(EnvIntents); ok && v != "" {
		intents, err := strconv.ParseInt(v, 0, 64)
		if err != nil || intents < 0 {
			return fmt.Errorf("%s: invalid intents %q", EnvIntents, v)
		}
		g.Intents = intents
	}
	return nil
}

// Overrides are values given on the command line. Empty fields are left
// alone.
type Overrides struct {
	URL     string
	Token   string
	Intents *int64
}

// ApplyOverrides applies command line values, which take precedence over
// the file and the environment.
func (c *Config) ApplyOverrides(o Overrides) {
	g := c.gateway()
	if o.URL != "" {
		g.URL = o.URL
	}
	if o.Token != "" {
		g.Token = o.Token
	}
	if o.Intents != nil {
		g.Intents = *o.Intents
	}
}

// Resolve loads path (or $GWCLIENT_CONFIG when path is empty; no file at
// all is allowed), then applies the environment and o, and validates the
// result.
func Resolve(path string, lookup func(string) (string, bool), o Overrides) (*Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if path == "" {
		path, _ = lookup(EnvConfig)
	}

	config := &Config{}
	if path != "" {
		var err error
		if config, err = Load(path); err != nil {
			return nil, err
		}
	}

	if err := config.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	config.ApplyOverrides(o)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}
