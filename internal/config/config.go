// Package config loads Ballast's configuration from an optional YAML/JSON
// file and BALLAST_* environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/Resinat/Ballast/internal/buildinfo"
	"github.com/Resinat/Ballast/internal/registry"
)

// EnvPrefix prefixes every environment variable; "api.port" is read from
// BALLAST_API_PORT.
const EnvPrefix = "BALLAST"

// DefaultInstanceID names the instance built from registry.url/registry.token.
const DefaultInstanceID = "default"

// Config holds all settings.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	API      APIConfig      `mapstructure:"api"`
	Registry RegistryConfig `mapstructure:"registry"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Topology TopologyConfig `mapstructure:"topology"`
	Stats    StatsConfig    `mapstructure:"stats"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Weight   WeightConfig   `mapstructure:"weight"`
	Journal  JournalConfig  `mapstructure:"journal"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type APIConfig struct {
	ListenAddress string `mapstructure:"listen_address"`
	Port          int    `mapstructure:"port"`
	AdminToken    string `mapstructure:"admin_token"`
	MaxBodyBytes  int64  `mapstructure:"max_body_bytes"`
}

// Addr returns host:port for the admin listener.
func (c APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.ListenAddress, c.Port)
}

type RegistryConfig struct {
	Instances          []registry.Instance `mapstructure:"-"`
	URL                string              `mapstructure:"url"`
	Token              string              `mapstructure:"token"`
	Timeout            time.Duration       `mapstructure:"timeout"`
	ProxyURL           string              `mapstructure:"proxy_url"`
	WriteRatePerSecond float64             `mapstructure:"write_rate_per_second"`
	WriteBurst         int                 `mapstructure:"write_burst"`
}

// ClientOptions returns the HTTP client settings for every instance.
func (c RegistryConfig) ClientOptions() registry.ClientOptions {
	return registry.ClientOptions{
		Timeout:            c.Timeout,
		ProxyURL:           c.ProxyURL,
		WriteRatePerSecond: c.WriteRatePerSecond,
		WriteBurst:         c.WriteBurst,
		UserAgent:          buildinfo.UserAgent(),
	}
}

type PolicyConfig struct {
	AllowPatterns []string `mapstructure:"-"`
	DenyPatterns  []string `mapstructure:"-"`
}

type TopologyConfig struct {
	TestModel                    string        `mapstructure:"test_model"`
	BuildOnStart                 bool          `mapstructure:"build_on_start"`
	RefreshInterval              time.Duration `mapstructure:"refresh_interval"`
	BlacklistThreshold           int           `mapstructure:"blacklist_threshold"`
	KeyValidationIntervalMinutes int           `mapstructure:"key_validation_interval_minutes"`
}

type StatsConfig struct {
	TTL        time.Duration `mapstructure:"ttl"`
	MaxEntries int           `mapstructure:"max_entries"`
}

type MonitorConfig struct {
	OptimizeInterval      time.Duration `mapstructure:"optimize_interval"`
	HealthCheckInterval   time.Duration `mapstructure:"health_check_interval"`
	SmartOptimizeInterval time.Duration `mapstructure:"smart_optimize_interval"`
	StatusChangeInterval  time.Duration `mapstructure:"status_change_interval"`
	RecoveryInterval      time.Duration `mapstructure:"recovery_interval"`
	LogAnalysisInterval   time.Duration `mapstructure:"log_analysis_interval"`
	WeightSchedule        string        `mapstructure:"weight_schedule"`
	StatusChangeThreshold int           `mapstructure:"status_change_threshold"`
}

type WeightConfig struct {
	WriteDelay time.Duration `mapstructure:"write_delay"`
}

type JournalConfig struct {
	Dir           string        `mapstructure:"dir"`
	Retention     time.Duration `mapstructure:"retention"`
	PruneSchedule string        `mapstructure:"prune_schedule"`
	QueueSize     int           `mapstructure:"queue_size"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	v.SetDefault("api.listen_address", "0.0.0.0")
	v.SetDefault("api.port", 2290)
	v.SetDefault("api.max_body_bytes", 1<<20)

	v.SetDefault("registry.url", "")
	v.SetDefault("registry.token", "")
	v.SetDefault("registry.timeout", 15*time.Second)
	v.SetDefault("registry.proxy_url", "")
	v.SetDefault("registry.write_rate_per_second", 5.0)
	v.SetDefault("registry.write_burst", 5)

	v.SetDefault("topology.test_model", "gpt-4o-mini")
	v.SetDefault("topology.build_on_start", false)
	v.SetDefault("topology.refresh_interval", 30*time.Minute)
	v.SetDefault("topology.blacklist_threshold", 3)
	v.SetDefault("topology.key_validation_interval_minutes", 60)

	v.SetDefault("stats.ttl", 30*time.Second)
	v.SetDefault("stats.max_entries", 4096)

	v.SetDefault("monitor.optimize_interval", 5*time.Minute)
	v.SetDefault("monitor.health_check_interval", 10*time.Minute)
	v.SetDefault("monitor.smart_optimize_interval", 15*time.Minute)
	v.SetDefault("monitor.status_change_interval", 2*time.Minute)
	v.SetDefault("monitor.recovery_interval", 5*time.Minute)
	v.SetDefault("monitor.log_analysis_interval", time.Minute)
	v.SetDefault("monitor.weight_schedule", "@every 24h")
	v.SetDefault("monitor.status_change_threshold", 20)

	v.SetDefault("weight.write_delay", time.Second)

	v.SetDefault("journal.dir", "/var/lib/ballast")
	v.SetDefault("journal.retention", 720*time.Hour)
	v.SetDefault("journal.prune_schedule", "0 3 * * *")
	v.SetDefault("journal.queue_size", 1024)
}

// Load reads configuration. path may be empty, in which case only defaults
// and environment variables apply. All validation errors are collected and
// returned together.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()
	for _, key := range []string{"api.admin_token", "registry.instances", "policy.allow_patterns", "policy.deny_patterns"} {
		_ = v.BindEnv(key)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	var errs []string

	if !v.IsSet("api.admin_token") {
		errs = append(errs, "api.admin_token: must be defined (may be empty to disable auth)")
	}

	instances, err := loadInstances(v)
	if err != nil {
		errs = append(errs, err.Error())
	}
	cfg.Registry.Instances = instances

	if cfg.Policy.AllowPatterns, err = stringList(v, "policy.allow_patterns"); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.Policy.DenyPatterns, err = stringList(v, "policy.deny_patterns"); err != nil {
		errs = append(errs, err.Error())
	}

	errs = append(errs, cfg.validate()...)
	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

// loadInstances reads registry.instances from a config-file list or a JSON
// array in the environment, falling back to registry.url/registry.token.
func loadInstances(v *viper.Viper) ([]registry.Instance, error) {
	var instances []registry.Instance
	switch raw := v.Get("registry.instances").(type) {
	case nil:
	case string:
		if strings.TrimSpace(raw) != "" {
			// registry.Instance hides its token from JSON.
			var wire []struct {
				ID    string `json:"id"`
				Name  string `json:"name"`
				URL   string `json:"url"`
				Token string `json:"token"`
			}
			if err := json.Unmarshal([]byte(raw), &wire); err != nil {
				return nil, fmt.Errorf("registry.instances: invalid JSON array: %v", err)
			}
			for _, w := range wire {
				instances = append(instances, registry.Instance{ID: w.ID, Name: w.Name, URL: w.URL, Token: w.Token})
			}
		}
	default:
		if err := v.UnmarshalKey("registry.instances", &instances); err != nil {
			return nil, fmt.Errorf("registry.instances: %v", err)
		}
	}
	if len(instances) == 0 {
		if u := strings.TrimSpace(v.GetString("registry.url")); u != "" {
			instances = []registry.Instance{{
				ID:    DefaultInstanceID,
				Name:  DefaultInstanceID,
				URL:   u,
				Token: v.GetString("registry.token"),
			}}
		}
	}
	return instances, nil
}

// stringList accepts a YAML list, a JSON array string or a comma-separated
// string.
func stringList(v *viper.Viper, key string) ([]string, error) {
	switch raw := v.Get(key).(type) {
	case nil:
		return nil, nil
	case string:
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return nil, nil
		}
		if strings.HasPrefix(raw, "[") {
			var out []string
			if err := json.Unmarshal([]byte(raw), &out); err != nil {
				return nil, fmt.Errorf("%s: invalid JSON array: %v", key, err)
			}
			return out, nil
		}
		var out []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	default:
		return v.GetStringSlice(key), nil
	}
}

func (c *Config) validate() []string {
	var errs []string

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level: unknown level %q", c.Log.Level))
	}

	if strings.TrimSpace(c.API.ListenAddress) == "" {
		errs = append(errs, "api.listen_address: must not be empty")
	}
	validatePort("api.port", c.API.Port, &errs)
	validatePositive("api.max_body_bytes", int(c.API.MaxBodyBytes), &errs)

	if len(c.Registry.Instances) == 0 {
		errs = append(errs, "registry: set registry.instances or registry.url")
	}
	seen := make(map[string]bool)
	for i, inst := range c.Registry.Instances {
		field := fmt.Sprintf("registry.instances[%d]", i)
		if strings.TrimSpace(inst.ID) == "" {
			errs = append(errs, field+".id: must not be empty")
		} else if seen[inst.ID] {
			errs = append(errs, fmt.Sprintf("%s.id: duplicate id %q", field, inst.ID))
		}
		seen[inst.ID] = true
		validateURL(field+".url", inst.URL, []string{"http", "https"}, &errs)
	}
	validatePositiveDuration("registry.timeout", c.Registry.Timeout, &errs)
	if c.Registry.ProxyURL != "" {
		validateURL("registry.proxy_url", c.Registry.ProxyURL, []string{"http", "https", "socks5", "socks5h"}, &errs)
	}
	if c.Registry.WriteRatePerSecond <= 0 {
		errs = append(errs, fmt.Sprintf("registry.write_rate_per_second: must be > 0, got %v", c.Registry.WriteRatePerSecond))
	}
	validatePositive("registry.write_burst", c.Registry.WriteBurst, &errs)

	for i, p := range c.Policy.AllowPatterns {
		validatePattern(fmt.Sprintf("policy.allow_patterns[%d]", i), p, &errs)
	}
	for i, p := range c.Policy.DenyPatterns {
		validatePattern(fmt.Sprintf("policy.deny_patterns[%d]", i), p, &errs)
	}

	if strings.TrimSpace(c.Topology.TestModel) == "" {
		errs = append(errs, "topology.test_model: must not be empty")
	}
	if c.Topology.RefreshInterval < 0 {
		errs = append(errs, "topology.refresh_interval: must be >= 0")
	}
	validatePositive("topology.blacklist_threshold", c.Topology.BlacklistThreshold, &errs)
	validatePositive("topology.key_validation_interval_minutes", c.Topology.KeyValidationIntervalMinutes, &errs)

	validatePositiveDuration("stats.ttl", c.Stats.TTL, &errs)
	validatePositive("stats.max_entries", c.Stats.MaxEntries, &errs)

	validatePositiveDuration("monitor.optimize_interval", c.Monitor.OptimizeInterval, &errs)
	validatePositiveDuration("monitor.health_check_interval", c.Monitor.HealthCheckInterval, &errs)
	validatePositiveDuration("monitor.smart_optimize_interval", c.Monitor.SmartOptimizeInterval, &errs)
	validatePositiveDuration("monitor.status_change_interval", c.Monitor.StatusChangeInterval, &errs)
	validatePositiveDuration("monitor.recovery_interval", c.Monitor.RecoveryInterval, &errs)
	validatePositiveDuration("monitor.log_analysis_interval", c.Monitor.LogAnalysisInterval, &errs)
	validateSchedule("monitor.weight_schedule", c.Monitor.WeightSchedule, &errs)
	if c.Monitor.StatusChangeThreshold < 1 || c.Monitor.StatusChangeThreshold > 100 {
		errs = append(errs, fmt.Sprintf("monitor.status_change_threshold: must be 1-100, got %d", c.Monitor.StatusChangeThreshold))
	}

	if c.Weight.WriteDelay < 0 {
		errs = append(errs, "weight.write_delay: must be >= 0")
	}

	if strings.TrimSpace(c.Journal.Dir) == "" {
		errs = append(errs, "journal.dir: must not be empty")
	}
	validatePositiveDuration("journal.retention", c.Journal.Retention, &errs)
	if c.Journal.PruneSchedule != "" {
		validateSchedule("journal.prune_schedule", c.Journal.PruneSchedule, &errs)
	}
	validatePositive("journal.queue_size", c.Journal.QueueSize, &errs)

	return errs
}

func validatePort(name string, port int, errs *[]string) {
	if port < 1 || port > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: must be 1-65535, got %d", name, port))
	}
}

func validatePositive(name string, v int, errs *[]string) {
	if v <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be > 0, got %d", name, v))
	}
}

func validatePositiveDuration(name string, d time.Duration, errs *[]string) {
	if d <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be > 0, got %s", name, d))
	}
}

func validateURL(name, raw string, schemes []string, errs *[]string) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		*errs = append(*errs, fmt.Sprintf("%s: invalid url %q", name, raw))
		return
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return
		}
	}
	*errs = append(*errs, fmt.Sprintf("%s: scheme must be one of %s, got %q", name, strings.Join(schemes, "/"), u.Scheme))
}

func validatePattern(name, pattern string, errs *[]string) {
	if _, err := regexp2.Compile(pattern, regexp2.IgnoreCase); err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: %v", name, err))
	}
}

func validateSchedule(name, spec string, errs *[]string) {
	if _, err := cron.ParseStandard(spec); err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: %v", name, err))
	}
}
