package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setEnvs(t *testing.T, envs map[string]string) {
	t.Helper()
	for k, v := range envs {
		t.Setenv(k, v)
	}
}

func requiredEnvs() map[string]string {
	return map[string]string{
		"BALLAST_API_ADMIN_TOKEN": "",
		"BALLAST_REGISTRY_URL":    "http://registry.local:3000",
		"BALLAST_REGISTRY_TOKEN":  "sk-registry",
	}
}

func TestLoad_Defaults(t *testing.T) {
	setEnvs(t, requiredEnvs())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Log.Level != "info" || cfg.API.Port != 2290 || cfg.API.MaxBodyBytes != 1<<20 {
		t.Fatalf("api defaults: %+v log=%+v", cfg.API, cfg.Log)
	}
	if cfg.API.Addr() != "0.0.0.0:2290" {
		t.Fatalf("addr: %s", cfg.API.Addr())
	}
	if len(cfg.Registry.Instances) != 1 {
		t.Fatalf("instances: %+v", cfg.Registry.Instances)
	}
	inst := cfg.Registry.Instances[0]
	if inst.ID != DefaultInstanceID || inst.URL != "http://registry.local:3000" || inst.Token != "sk-registry" {
		t.Fatalf("default instance: %+v", inst)
	}
	opts := cfg.Registry.ClientOptions()
	if opts.Timeout != 15*time.Second || opts.WriteRatePerSecond != 5 || opts.WriteBurst != 5 {
		t.Fatalf("client options: %+v", opts)
	}
	if cfg.Topology.TestModel != "gpt-4o-mini" || cfg.Topology.RefreshInterval != 30*time.Minute ||
		cfg.Topology.BlacklistThreshold != 3 || cfg.Topology.KeyValidationIntervalMinutes != 60 || cfg.Topology.BuildOnStart {
		t.Fatalf("topology: %+v", cfg.Topology)
	}
	if cfg.Stats.TTL != 30*time.Second || cfg.Stats.MaxEntries != 4096 {
		t.Fatalf("stats: %+v", cfg.Stats)
	}
	m := cfg.Monitor
	if m.OptimizeInterval != 5*time.Minute || m.HealthCheckInterval != 10*time.Minute ||
		m.SmartOptimizeInterval != 15*time.Minute || m.StatusChangeInterval != 2*time.Minute ||
		m.RecoveryInterval != 5*time.Minute || m.LogAnalysisInterval != time.Minute ||
		m.WeightSchedule != "@every 24h" || m.StatusChangeThreshold != 20 {
		t.Fatalf("monitor: %+v", m)
	}
	if cfg.Weight.WriteDelay != time.Second {
		t.Fatalf("weight: %+v", cfg.Weight)
	}
	j := cfg.Journal
	if j.Dir != "/var/lib/ballast" || j.Retention != 720*time.Hour || j.PruneSchedule != "0 3 * * *" || j.QueueSize != 1024 {
		t.Fatalf("journal: %+v", j)
	}
}

func TestLoad_AdminTokenMustBeDefined(t *testing.T) {
	t.Setenv("BALLAST_REGISTRY_URL", "http://registry.local:3000")
	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "api.admin_token") {
		t.Fatalf("expected admin token error, got %v", err)
	}
}

func TestLoad_FileWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ballast.yaml")
	yaml := `
api:
  admin_token: file-token
  port: 9000
registry:
  instances:
    - id: east
      name: East
      url: https://east.example.com
      token: sk-east
    - id: west
      url: https://west.example.com
  timeout: 5s
policy:
  deny_patterns:
    - "^dall-e"
    - "embedding"
monitor:
  weight_schedule: "30 4 * * *"
topology:
  build_on_start: true
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BALLAST_API_PORT", "9100")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.AdminToken != "file-token" || cfg.API.Port != 9100 {
		t.Fatalf("api: %+v", cfg.API)
	}
	if len(cfg.Registry.Instances) != 2 || cfg.Registry.Instances[0].Token != "sk-east" || cfg.Registry.Instances[1].ID != "west" {
		t.Fatalf("instances: %+v", cfg.Registry.Instances)
	}
	if cfg.Registry.Timeout != 5*time.Second {
		t.Fatalf("timeout: %s", cfg.Registry.Timeout)
	}
	if len(cfg.Policy.DenyPatterns) != 2 || cfg.Policy.DenyPatterns[0] != "^dall-e" {
		t.Fatalf("deny patterns: %v", cfg.Policy.DenyPatterns)
	}
	if cfg.Monitor.WeightSchedule != "30 4 * * *" || !cfg.Topology.BuildOnStart {
		t.Fatalf("monitor/topology: %+v %+v", cfg.Monitor, cfg.Topology)
	}
}

func TestLoad_EnvListsAndInstances(t *testing.T) {
	setEnvs(t, map[string]string{
		"BALLAST_API_ADMIN_TOKEN":       "tok",
		"BALLAST_REGISTRY_INSTANCES":    `[{"id":"a","url":"http://a.local","token":"sk-a"}]`,
		"BALLAST_POLICY_ALLOW_PATTERNS": "^gpt-, ^claude-",
		"BALLAST_POLICY_DENY_PATTERNS":  `["preview$"]`,
		"BALLAST_STATS_TTL":             "45s",
	})
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Registry.Instances) != 1 || cfg.Registry.Instances[0].Token != "sk-a" {
		t.Fatalf("instances: %+v", cfg.Registry.Instances)
	}
	if got := cfg.Policy.AllowPatterns; len(got) != 2 || got[1] != "^claude-" {
		t.Fatalf("allow: %v", got)
	}
	if got := cfg.Policy.DenyPatterns; len(got) != 1 || got[0] != "preview$" {
		t.Fatalf("deny: %v", got)
	}
	if cfg.Stats.TTL != 45*time.Second {
		t.Fatalf("ttl: %s", cfg.Stats.TTL)
	}
}

func TestLoad_CollectsAllErrors(t *testing.T) {
	setEnvs(t, requiredEnvs())
	setEnvs(t, map[string]string{
		"BALLAST_API_PORT":                        "70000",
		"BALLAST_MONITOR_WEIGHT_SCHEDULE":         "sometimes",
		"BALLAST_POLICY_DENY_PATTERNS":            "(unclosed",
		"BALLAST_REGISTRY_PROXY_URL":              "ftp://proxy.local:21",
		"BALLAST_MONITOR_STATUS_CHANGE_THRESHOLD": "0",
		"BALLAST_LOG_LEVEL":                       "verbose",
	})
	_, err := Load("")
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{
		"config validation failed",
		"api.port",
		"monitor.weight_schedule",
		"policy.deny_patterns[0]",
		"registry.proxy_url",
		"monitor.status_change_threshold",
		"log.level",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("error missing %q:\n%s", want, msg)
		}
	}
}

func TestLoad_RequiresRegistry(t *testing.T) {
	t.Setenv("BALLAST_API_ADMIN_TOKEN", "")
	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "registry.instances or registry.url") {
		t.Fatalf("expected registry error, got %v", err)
	}
}

func TestLoad_DuplicateInstanceIDs(t *testing.T) {
	setEnvs(t, map[string]string{
		"BALLAST_API_ADMIN_TOKEN":    "",
		"BALLAST_REGISTRY_INSTANCES": `[{"id":"a","url":"http://a.local"},{"id":"a","url":"http://b.local"}]`,
	})
	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), `duplicate id "a"`) {
		t.Fatalf("expected duplicate id error, got %v", err)
	}
}

func TestIsWeakToken(t *testing.T) {
	tests := []struct {
		name  string
		token string
		weak  bool
	}{
		{name: "empty_token", token: "", weak: false},
		{name: "common_password", token: "password", weak: true},
		{name: "all_same", token: "aaaaaaaaaaaa", weak: true},
		{name: "simple_sequence", token: "1234567890", weak: true},
		{name: "long_hex", token: "a9f73d18e5249b6a35f7419d11c603e2", weak: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsWeakToken(tt.token); got != tt.weak {
				t.Fatalf("IsWeakToken(%q) = %v, want %v", tt.token, got, tt.weak)
			}
		})
	}
}

func TestIsWeakToken_UserInputs(t *testing.T) {
	token := "a9f73d18e5249b6a35f7419d11c603e2"
	if !IsWeakToken(token, token) {
		t.Fatal("a token equal to a user input must be weak")
	}
}

func TestWeakAdminToken(t *testing.T) {
	cfg := &Config{API: APIConfig{AdminToken: "ballast"}}
	if !cfg.WeakAdminToken() {
		t.Fatal("project name as token must be weak")
	}
	cfg.API.AdminToken = ""
	if cfg.WeakAdminToken() {
		t.Fatal("empty token disables auth")
	}
}
