package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsarna/gateway-client/pkg/gateway"
	"github.com/tsarna/gateway-client/pkg/gateway/transport/coderws"
	"github.com/tsarna/gateway-client/pkg/gateway/transport/gorillaws"
)

const sampleHCL = `
gateway {
  url          = "wss://gateway.test/?v=10&encoding=json"
  token        = env.GWCLIENT_TEST_TOKEN
  intents      = 513
  shard        = [0, 2]
  dial_timeout = "5s"
  transport    = "gorilla"
}

reconnect {
  min          = "500ms"
  max          = "30s"
  max_attempts = 5
}

close_code "4004" {
  action = "resume"
}

close_code "4999" {
  action      = "terminal"
  kind        = "auth_failure"
  description = "custom"
}

action "presence" {
  schedule = "@every 5m"
  op       = "presence_update"
  data = {
    status     = "online"
    afk        = false
    activities = [{ name = upper("tests"), type = 0 }]
  }
}

dispatch {
  workers = 2
}

metrics {
  provider = "prometheus"
  listen   = ":9090"
}

subscribe = ["dispatch/#", "gateway/+"]
filter    = ".d"
`

const sampleYAML = `
gateway:
  url: wss://gateway.test/?v=10&encoding=json
  token: secret
  intents: 513
  shard: [0, 2]
  dial_timeout: 5s
  transport: gorilla
reconnect:
  min: 500ms
  max: 30s
  max_attempts: 5
close_codes:
  - code: "4004"
    action: resume
  - code: "4999"
    action: terminal
    kind: auth_failure
    description: custom
actions:
  - name: presence
    schedule: "@every 5m"
    op: presence_update
    data:
      status: online
      afk: false
      activities:
        - name: TESTS
          type: 0
dispatch:
  workers: 2
metrics:
  provider: prometheus
  listen: ":9090"
subscribe: ["dispatch/#", "gateway/+"]
filter: .d
`

func checkSample(t *testing.T, cfg *Config) {
	t.Helper()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "wss://gateway.test/?v=10&encoding=json", cfg.Gateway.URL)
	assert.Equal(t, "secret", cfg.Gateway.Token)
	assert.Equal(t, int64(513), cfg.Gateway.Intents)
	assert.Equal(t, []int{0, 2}, cfg.Gateway.Shard)
	assert.Equal(t, []string{"dispatch/#", "gateway/+"}, cfg.Patterns())
	assert.Equal(t, ".d", cfg.Filter)
	assert.Equal(t, "prometheus", cfg.Metrics.Provider)
	assert.IsType(t, &gorillaws.Transport{}, cfg.Transport(nil))

	policy, err := cfg.Reconnect.Policy()
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, policy.Min)
	assert.Equal(t, 30*time.Second, policy.Max)
	assert.Equal(t, 2.0, policy.Multiplier)

	table, err := cfg.CloseCodeTable()
	require.NoError(t, err)
	assert.Equal(t, gateway.CloseRule{Action: gateway.CloseResume, Kind: gateway.KindAuthFailure, Description: "authentication failed"}, table[4004])
	assert.Equal(t, gateway.CloseRule{Action: gateway.CloseTerminal, Kind: gateway.KindAuthFailure, Description: "custom"}, table[4999])

	actions, err := cfg.ScheduledActions()
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "presence", actions[0].Name)
	assert.Equal(t, "@every 5m", actions[0].Schedule)
	assert.Equal(t, gateway.OpPresenceUpdate, actions[0].Op)

	data, err := json.Marshal(actions[0].Data)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"online","afk":false,"activities":[{"name":"TESTS","type":0}]}`, string(data))

	d, err := cfg.DispatcherBuilder().Build()
	require.NoError(t, err)
	assert.NotNil(t, d)
}

func TestLoadHCL(t *testing.T) {
	t.Setenv("GWCLIENT_TEST_TOKEN", "secret")

	cfg, err := LoadHCL("gwclient.hcl", []byte(sampleHCL))
	require.NoError(t, err)
	checkSample(t, cfg)
}

func TestLoadYAML(t *testing.T) {
	cfg, err := LoadYAML([]byte(sampleYAML))
	require.NoError(t, err)
	checkSample(t, cfg)

	_, err = LoadYAML([]byte("gateway:\n  uri: wss://typo\n"))
	assert.ErrorContains(t, err, "field uri not found")

	cfg, err = LoadYAML(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"#"}, cfg.Patterns())
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("GWCLIENT_TEST_TOKEN", "secret")

	hclPath := filepath.Join(dir, "gwclient.hcl")
	require.NoError(t, os.WriteFile(hclPath, []byte(sampleHCL), 0o600))
	cfg, err := Load(hclPath)
	require.NoError(t, err)
	checkSample(t, cfg)

	yamlPath := filepath.Join(dir, "gwclient.yml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(sampleYAML), 0o600))
	cfg, err = Load(yamlPath)
	require.NoError(t, err)
	checkSample(t, cfg)

	jsonPath := filepath.Join(dir, "gwclient.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"gateway": {"url": "wss://x", "token": "t"}}`), 0o600))
	cfg, err = Load(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, "wss://x", cfg.Gateway.URL)

	_, err = Load(filepath.Join(dir, "gwclient.toml"))
	assert.Error(t, err)

	txtPath := filepath.Join(dir, "gwclient.txt")
	require.NoError(t, os.WriteFile(txtPath, nil, 0o600))
	_, err = Load(txtPath)
	assert.ErrorContains(t, err, "unsupported config file type")

	badPath := filepath.Join(dir, "bad.hcl")
	require.NoError(t, os.WriteFile(badPath, []byte(`gateway { url = `), 0o600))
	_, err = Load(badPath)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Run("required fields", func(t *testing.T) {
		err := (&Config{}).Validate()
		assert.ErrorContains(t, err, "gateway url is required")
		assert.ErrorContains(t, err, "gateway token is required")
	})

	t.Run("bad values", func(t *testing.T) {
		cfg := &Config{
			Gateway: &GatewayConfig{
				URL:          "wss://x",
				Token:        "t",
				Shard:        []int{2, 2},
				Transport:    "carrier-pigeon",
				WriteTimeout: "soon",
			},
			Reconnect:  &ReconnectConfig{Min: "10s", Max: "1s"},
			CloseCodes: []CloseCodeConfig{{Code: "abc", Action: "resume"}},
			Actions:    []ActionConfig{{Name: "a", Schedule: "@hourly", Op: "identify"}},
			Metrics:    &MetricsConfig{Provider: "statsd"},
			Dispatch:   &DispatchConfig{Workers: -1},
		}

		err := cfg.Validate()
		for _, want := range []string{
			"invalid shard",
			"unknown transport",
			"gateway write_timeout",
			"reconnect max 1s is less than min 10s",
			`close_code "abc"`,
			"cannot be sent as an action",
			"unknown metrics provider",
			"must not be negative",
		} {
			assert.ErrorContains(t, err, want)
		}
	})

	t.Run("close codes", func(t *testing.T) {
		for _, cc := range []CloseCodeConfig{
			{Code: "999", Action: "resume"},
			{Code: "4004", Action: "retry"},
			{Code: "4004", Action: "resume", Kind: "boom"},
		} {
			_, err := (&Config{CloseCodes: []CloseCodeConfig{cc}}).CloseCodeTable()
			assert.Error(t, err, "%+v", cc)
		}
	})

	t.Run("actions", func(t *testing.T) {
		for _, actions := range [][]ActionConfig{
			{{Name: "a", Schedule: "@hourly", Op: "bogus"}},
			{{Name: "a", Op: "presence_update"}},
			{{Name: "a", Schedule: "@hourly", Op: "3"}, {Name: "a", Schedule: "@hourly", Op: "3"}},
		} {
			_, err := (&Config{Actions: actions}).ScheduledActions()
			assert.Error(t, err)
		}
	})
}

func TestEnvAndOverrides(t *testing.T) {
	env := map[string]string{
		EnvURL:     "wss://env",
		EnvToken:   "env-token",
		EnvIntents: "0x200",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	cfg := &Config{Gateway: &GatewayConfig{URL: "wss://file", Token: "file-token", Intents: 1}}
	require.NoError(t, cfg.ApplyEnv(lookup))
	assert.Equal(t, "wss://env", cfg.Gateway.URL)
	assert.Equal(t, "env-token", cfg.Gateway.Token)
	assert.Equal(t, int64(512), cfg.Gateway.Intents)

	intents := int64(7)
	cfg.ApplyOverrides(Overrides{Token: "flag-token", Intents: &intents})
	assert.Equal(t, "wss://env", cfg.Gateway.URL)
	assert.Equal(t, "flag-token", cfg.Gateway.Token)
	assert.Equal(t, int64(7), cfg.Gateway.Intents)

	env[EnvIntents] = "lots"
	assert.ErrorContains(t, cfg.ApplyEnv(lookup), "invalid intents")
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gwclient.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gateway:\n  url: wss://file\n"), 0o600))

	env := map[string]string{EnvConfig: path, EnvToken: "env-token"}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	cfg, err := Resolve("", lookup, Overrides{})
	require.NoError(t, err)
	assert.Equal(t, "wss://file", cfg.Gateway.URL)
	assert.Equal(t, "env-token", cfg.Gateway.Token)

	_, err = Resolve("", func(string) (string, bool) { return "", false }, Overrides{URL: "wss://flag"})
	assert.ErrorContains(t, err, "gateway token is required")

	cfg, err = Resolve("", func(string) (string, bool) { return "", false }, Overrides{URL: "wss://flag", Token: "t"})
	require.NoError(t, err)
	assert.IsType(t, &coderws.Transport{}, cfg.Transport(nil))
}

func TestConfigure(t *testing.T) {
	t.Setenv("GWCLIENT_TEST_TOKEN", "secret")
	cfg, err := LoadHCL("gwclient.hcl", []byte(sampleHCL))
	require.NoError(t, err)

	b := gateway.NewSession().WithTransport(cfg.Transport(nil))
	require.NoError(t, cfg.Configure(b))
	require.NoError(t, b.IsValid())

	session, err := b.Build()
	require.NoError(t, err)
	assert.Equal(t, gateway.StateIdle, session.State())

	cfg.Gateway.CloseTimeout = "later"
	assert.Error(t, cfg.Configure(gateway.NewSession()))
}

func TestEvalContext(t *testing.T) {
	t.Setenv("GWCLIENT_TEST_VALUE", "abc")

	cfg, err := LoadHCL("f.hcl", []byte(`
gateway {
  url   = format("wss://%s.test", lower(env.GWCLIENT_TEST_VALUE))
  token = base64decode(base64encode("tok"))
}
`))
	require.NoError(t, err)
	assert.Equal(t, "wss://abc.test", cfg.Gateway.URL)
	assert.Equal(t, "tok", cfg.Gateway.Token)

	assert.Equal(t, "_A-B_C", sanitizeEnvVarName("1A-B.C"))
	assert.Equal(t, "_", sanitizeEnvVarName(""))
}

func TestMergePatchFunctions(t *testing.T) {
	cfg, err := LoadHCL("f.hcl", []byte(`
action "idle" {
  schedule = "@hourly"
  op       = "presence_update"
  data     = patch({ status = "online", afk = false }, { status = "idle" })
}

action "changes" {
  schedule = "@hourly"
  op       = "presence_update"
  data     = diff({ status = "online", afk = false }, { status = "dnd", afk = false })
}
`))
	require.NoError(t, err)

	actions, err := cfg.ScheduledActions()
	require.NoError(t, err)
	require.Len(t, actions, 2)

	idle, err := json.Marshal(actions[0].Data)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"idle","afk":false}`, string(idle))

	changes, err := json.Marshal(actions[1].Data)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"dnd"}`, string(changes))

	_, err = LoadHCL("f.hcl", []byte(`filter = jsonencode(patch("x", {}))`))
	assert.ErrorContains(t, err, "target must be an object")
}

func TestParseDuration(t *testing.T) {
	for in, want := range map[string]time.Duration{
		"":        0,
		"90s":     90 * time.Second,
		"1m30s":   90 * time.Second,
		"PT1M30S": 90 * time.Second,
		"PT0.5S":  500 * time.Millisecond,
	} {
		got, err := parseDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"soon", "P1X", "-5s"} {
		_, err := parseDuration(in)
		assert.Error(t, err, in)
	}
}
