// Package config loads gwclient configuration from HCL, JSON or YAML files,
// the environment, and command line flags, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sosodev/duration"
	"github.com/tsarna/go2cty2go"
	"github.com/zclconf/go-cty/cty"
	"go.uber.org/zap"

	"github.com/tsarna/gateway-client/pkg/dispatch"
	"github.com/tsarna/gateway-client/pkg/gateway"
	"github.com/tsarna/gateway-client/pkg/gateway/transport/coderws"
	"github.com/tsarna/gateway-client/pkg/gateway/transport/gorillaws"
	"github.com/tsarna/gateway-client/pkg/schedule"
)

// Config is the complete gwclient configuration.
type Config struct {
	Gateway    *GatewayConfig    `hcl:"gateway,block" yaml:"gateway"`
	Reconnect  *ReconnectConfig  `hcl:"reconnect,block" yaml:"reconnect"`
	CloseCodes []CloseCodeConfig `hcl:"close_code,block" yaml:"close_codes"`
	Actions    []ActionConfig    `hcl:"action,block" yaml:"actions"`
	Dispatch   *DispatchConfig   `hcl:"dispatch,block" yaml:"dispatch"`
	Metrics    *MetricsConfig    `hcl:"metrics,block" yaml:"metrics"`

	// Subscribe lists the event patterns to listen to (default "#").
	Subscribe []string `hcl:"subscribe,optional" yaml:"subscribe"`
	// Filter is a jq query applied to every event before printing.
	Filter string `hcl:"filter,optional" yaml:"filter"`
}

// GatewayConfig describes the connection and identify payload.
type GatewayConfig struct {
	URL            string `hcl:"url,optional" yaml:"url"`
	Token          string `hcl:"token,optional" yaml:"token"`
	Intents        int64  `hcl:"intents,optional" yaml:"intents"`
	Shard          []int  `hcl:"shard,optional" yaml:"shard"`
	Compress       bool   `hcl:"compress,optional" yaml:"compress"`
	LargeThreshold int    `hcl:"large_threshold,optional" yaml:"large_threshold"`

	// Transport is "coder" (default) or "gorilla".
	Transport string `hcl:"transport,optional" yaml:"transport"`

	DialTimeout         string `hcl:"dial_timeout,optional" yaml:"dial_timeout"`
	HandshakeTimeout    string `hcl:"handshake_timeout,optional" yaml:"handshake_timeout"`
	WriteTimeout        string `hcl:"write_timeout,optional" yaml:"write_timeout"`
	CloseTimeout        string `hcl:"close_timeout,optional" yaml:"close_timeout"`
	RateLimitRetryAfter string `hcl:"rate_limit_retry_after,optional" yaml:"rate_limit_retry_after"`
	EventBufferSize     int    `hcl:"event_buffer_size,optional" yaml:"event_buffer_size"`
}

// ReconnectConfig maps onto gateway.ReconnectPolicy.
type ReconnectConfig struct {
	Min         string  `hcl:"min,optional" yaml:"min"`
	Max         string  `hcl:"max,optional" yaml:"max"`
	Multiplier  float64 `hcl:"multiplier,optional" yaml:"multiplier"`
	Jitter      float64 `hcl:"jitter,optional" yaml:"jitter"`
	MaxAttempts int     `hcl:"max_attempts,optional" yaml:"max_attempts"`
}

// CloseCodeConfig overrides the handling of one close code.
type CloseCodeConfig struct {
	Code        string `hcl:"code,label" yaml:"code"`
	Action      string `hcl:"action" yaml:"action"`
	Kind        string `hcl:"kind,optional" yaml:"kind"`
	Description string `hcl:"description,optional" yaml:"description"`
}

// ActionConfig is an outbound action sent on a cron schedule.
type ActionConfig struct {
	Name     string `hcl:"name,label" yaml:"name"`
	Schedule string `hcl:"schedule" yaml:"schedule"`
	Op       string `hcl:"op" yaml:"op"`

	// Data is the action payload. HCL files set it through DataValue.
	Data      any       `yaml:"data"`
	DataValue cty.Value `hcl:"data,optional" yaml:"-"`
}

// DispatchConfig sizes the event dispatcher.
type DispatchConfig struct {
	Workers   int `hcl:"workers,optional" yaml:"workers"`
	QueueSize int `hcl:"queue_size,optional" yaml:"queue_size"`
}

// MetricsConfig selects a metrics backend.
type MetricsConfig struct {
	// Provider is "prometheus" or "otel".
	Provider string `hcl:"provider" yaml:"provider"`
	// Listen is the address of the Prometheus /metrics endpoint.
	Listen    string `hcl:"listen,optional" yaml:"listen"`
	Namespace string `hcl:"namespace,optional" yaml:"namespace"`
}

// Load reads a configuration file, choosing the syntax by extension:
// .hcl and .json are HCL, .yaml and .yml are YAML.
func Load(path string) (*Config, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".hcl", ".json":
		return LoadHCL(path, src)
	case ".yaml", ".yml":
		return LoadYAML(src)
	default:
		return nil, fmt.Errorf("unsupported config file type: %s", path)
	}
}

func (c *Config) gateway() *GatewayConfig {
	if c.Gateway == nil {
		c.Gateway = &GatewayConfig{}
	}
	return c.Gateway
}

// Validate checks the configuration for errors and reports all of them.
func (c *Config) Validate() error {
	var errs []error

	g := c.gateway()
	if g.URL == "" {
		errs = append(errs, errors.New("gateway url is required"))
	}
	if g.Token == "" {
		errs = append(errs, errors.New("gateway token is required"))
	}
	if len(g.Shard) != 0 && (len(g.Shard) != 2 || g.Shard[0] < 0 || g.Shard[0] >= g.Shard[1]) {
		errs = append(errs, fmt.Errorf("invalid shard %v: want [id, count] with 0 <= id < count", g.Shard))
	}
	switch g.Transport {
	case "", "coder", "gorilla":
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", g.Transport))
	}
	for name, value := range map[string]string{
		"dial_timeout":           g.DialTimeout,
		"handshake_timeout":      g.HandshakeTimeout,
		"write_timeout":          g.WriteTimeout,
		"close_timeout":          g.CloseTimeout,
		"rate_limit_retry_after": g.RateLimitRetryAfter,
	} {
		if _, err := parseDuration(value); err != nil {
			errs = append(errs, fmt.Errorf("gateway %s: %w", name, err))
		}
	}

	if c.Reconnect != nil {
		if _, err := c.Reconnect.Policy(); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := c.CloseCodeTable(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ScheduledActions(); err != nil {
		errs = append(errs, err)
	}

	if c.Metrics != nil {
		switch c.Metrics.Provider {
		case "prometheus", "otel":
		default:
			errs = append(errs, fmt.Errorf("unknown metrics provider %q", c.Metrics.Provider))
		}
	}
	if c.Dispatch != nil && (c.Dispatch.Workers < 0 || c.Dispatch.QueueSize < 0) {
		errs = append(errs, errors.New("dispatch workers and queue_size must not be negative"))
	}

	return errors.Join(errs...)
}

// Configure applies the gateway settings to b.
func (c *Config) Configure(b *gateway.SessionBuilder) error {
	g := c.gateway()

	b.WithURL(g.URL).
		WithToken(g.Token).
		WithIntents(g.Intents).
		WithCompress(g.Compress).
		WithLargeThreshold(g.LargeThreshold).
		WithEventBufferSize(g.EventBufferSize)
	if len(g.Shard) == 2 {
		b.WithShard(g.Shard[0], g.Shard[1])
	}

	timeouts := []struct {
		value string
		set   func(time.Duration) *gateway.SessionBuilder
	}{
		{g.DialTimeout, b.WithDialTimeout},
		{g.HandshakeTimeout, b.WithHandshakeTimeout},
		{g.WriteTimeout, b.WithWriteTimeout},
		{g.CloseTimeout, b.WithCloseTimeout},
		{g.RateLimitRetryAfter, b.WithRateLimitRetryAfter},
	}
	for _, t := range timeouts {
		d, err := parseDuration(t.value)
		if err != nil {
			return err
		}
		t.set(d)
	}

	if c.Reconnect != nil {
		policy, err := c.Reconnect.Policy()
		if err != nil {
			return err
		}
		b.WithReconnectPolicy(policy).WithMaxReconnectAttempts(c.Reconnect.MaxAttempts)
	}

	table, err := c.CloseCodeTable()
	if err != nil {
		return err
	}
	if len(table) > 0 {
		b.WithCloseCodes(table)
	}
	return nil
}

// Transport returns the transport selected by gateway.transport.
func (c *Config) Transport(logger *zap.Logger) gateway.Transport {
	if c.gateway().Transport == "gorilla" {
		return gorillaws.NewTransport().WithLogger(logger)
	}
	return coderws.NewTransport().WithLogger(logger)
}

// Policy converts the block to a gateway.ReconnectPolicy. Unset values keep
// their defaults.
func (r *ReconnectConfig) Policy() (gateway.ReconnectPolicy, error) {
	policy := gateway.DefaultReconnectPolicy()

	if d, err := parseDuration(r.Min); err != nil {
		return policy, fmt.Errorf("reconnect min: %w", err)
	} else if d > 0 {
		policy.Min = d
	}
	if d, err := parseDuration(r.Max); err != nil {
		return policy, fmt.Errorf("reconnect max: %w", err)
	} else if d > 0 {
		policy.Max = d
	}
	if r.Multiplier != 0 {
		policy.Multiplier = r.Multiplier
	}
	if r.Jitter != 0 {
		policy.Jitter = r.Jitter
	}
	if policy.Max < policy.Min {
		return policy, fmt.Errorf("reconnect max %s is less than min %s", policy.Max, policy.Min)
	}
	return policy, nil
}

// CloseCodeTable returns the close code overrides.
func (c *Config) CloseCodeTable() (gateway.CloseCodeTable, error) {
	table := make(gateway.CloseCodeTable, len(c.CloseCodes))
	for _, cc := range c.CloseCodes {
		code, err := strconv.Atoi(strings.TrimSpace(cc.Code))
		if err != nil || code < 1000 || code > 4999 {
			return nil, fmt.Errorf("close_code %q: must be a number between 1000 and 4999", cc.Code)
		}
		action, err := gateway.ParseCloseAction(cc.Action)
		if err != nil {
			return nil, fmt.Errorf("close_code %d: %w", code, err)
		}

		rule := gateway.DefaultCloseCodeTable().Classify(code)
		rule.Action = action
		if cc.Kind != "" {
			if rule.Kind, err = gateway.ParseErrorKind(cc.Kind); err != nil {
				return nil, fmt.Errorf("close_code %d: %w", code, err)
			}
		}
		if cc.Description != "" {
			rule.Description = cc.Description
		}
		table[code] = rule
	}
	return table, nil
}

// ScheduledActions converts the action blocks.
func (c *Config) ScheduledActions() ([]schedule.Action, error) {
	actions := make([]schedule.Action, 0, len(c.Actions))
	seen := make(map[string]bool, len(c.Actions))

	for _, a := range c.Actions {
		if seen[a.Name] {
			return nil, fmt.Errorf("action %q is defined more than once", a.Name)
		}
		seen[a.Name] = true

		op, err := gateway.ParseOpcode(a.Op)
		if err != nil {
			return nil, fmt.Errorf("action %q: %w", a.Name, err)
		}
		if !op.Outbound() {
			return nil, fmt.Errorf("action %q: opcode %s cannot be sent as an action", a.Name, op)
		}
		if a.Schedule == "" {
			return nil, fmt.Errorf("action %q: schedule is required", a.Name)
		}

		data, err := a.data()
		if err != nil {
			return nil, fmt.Errorf("action %q: %w", a.Name, err)
		}

		actions = append(actions, schedule.Action{
			Name:     a.Name,
			Schedule: a.Schedule,
			Op:       op,
			Data:     data,
		})
	}
	return actions, nil
}

func (a *ActionConfig) data() (any, error) {
	if a.DataValue.Type() == cty.NilType || a.DataValue.IsNull() {
		return a.Data, nil
	}
	return go2cty2go.CtyToAny(a.DataValue)
}

// DispatcherBuilder returns a dispatcher builder sized by the dispatch block.
func (c *Config) DispatcherBuilder() *dispatch.DispatcherBuilder {
	b := dispatch.NewDispatcher()
	if c.Dispatch != nil {
		if c.Dispatch.Workers > 0 {
			b.WithWorkers(c.Dispatch.Workers)
		}
		if c.Dispatch.QueueSize > 0 {
			b.WithQueueSize(c.Dispatch.QueueSize)
		}
	}
	return b
}

// Patterns returns the subscription patterns, "#" when none are set.
func (c *Config) Patterns() []string {
	if len(c.Subscribe) == 0 {
		return []string{"#"}
	}
	return c.Subscribe
}

// parseDuration accepts Go durations ("1m30s") and ISO 8601 durations
// ("PT1M30S").
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}

	var d time.Duration
	if strings.HasPrefix(s, "P") {
		iso, err := duration.Parse(s)
		if err != nil {
			return 0, fmt.Errorf("invalid ISO 8601 duration %q: %w", s, err)
		}
		d = iso.ToTimeDuration()
	} else {
		var err error
		if d, err = time.ParseDuration(s); err != nil {
			return 0, err
		}
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}
