package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultConfigPath = "/etc/estools/config.yaml"

// Config represents the runtime configuration for a maintenance run.
type Config struct {
	Clusters     map[string]map[string]ClusterConfig `yaml:"clusters"`
	Remote       RemoteConfig                        `yaml:"remote"`
	WriteControl WriteControlConfig                  `yaml:"write_control"`
	Maintenance  MaintenanceConfig                   `yaml:"maintenance"`
	Windows      WindowsConfig                       `yaml:"windows"`
	Metrics      MetricsConfig                       `yaml:"metrics"`
	DryRun       bool                                `yaml:"dry_run"`
}

// ClusterConfig describes one cluster/site pairing in the address table.
type ClusterConfig struct {
	Endpoint       string `yaml:"endpoint"`
	NodeSuffix     string `yaml:"node_suffix"`
	MonitoringHost string `yaml:"monitoring_host"`
}

// RemoteConfig configures the transport used to run commands on hosts.
type RemoteConfig struct {
	// Command is the local command prefix the executor invokes per host,
	// e.g. ["ssh", "-o", "BatchMode=yes"]. The host and remote command are
	// appended as arguments.
	Command    []string `yaml:"command"`
	Sudo       bool     `yaml:"sudo"`
	TimeoutSec int      `yaml:"timeout_sec"`
}

// WriteControlConfig describes how cluster-wide write admission is toggled
// and how the write queue backlog is sampled. Both go through scripts on a
// maintenance host because the search cluster itself has no API for them.
type WriteControlConfig struct {
	Host            string   `yaml:"host"`
	FreezeCommand   []string `yaml:"freeze_command"`
	ThawCommand     []string `yaml:"thaw_command"`
	JobQueueCommand []string `yaml:"job_queue_command"`
	QueueName       string   `yaml:"queue_name"`
	MaxDelayedJobs  int      `yaml:"max_delayed_jobs"`
}

// MaintenanceConfig bounds the per-batch state machine.
type MaintenanceConfig struct {
	BatchSize                 int      `yaml:"batch_size"`
	ServiceName               string   `yaml:"service_name"`
	Packages                  []string `yaml:"packages"`
	PluginPackages            []string `yaml:"plugin_packages"`
	SettleDelaySec            int      `yaml:"settle_delay_sec"`
	GreenTimeoutSec           int      `yaml:"green_timeout_sec"`
	PostThawGreenTimeoutSec   int      `yaml:"post_thaw_green_timeout_sec"`
	RelocationTimeoutSec      int      `yaml:"relocation_timeout_sec"`
	PollIntervalSec           int      `yaml:"poll_interval_sec"`
	HealthCallTimeoutSec      int      `yaml:"health_call_timeout_sec"`
	DowntimeDurationSec       int      `yaml:"downtime_duration_sec"`
	RebootTimeoutSec          int      `yaml:"reboot_timeout_sec"`
	ServiceWaitTimeoutSec     int      `yaml:"service_wait_timeout_sec"`
	WaitForRelocationsDefault bool     `yaml:"wait_for_relocations"`
}

// WindowsConfig enumerates optional allow/deny maintenance windows.
type WindowsConfig struct {
	Deny  []string `yaml:"deny"`
	Allow []string `yaml:"allow"`
}

// MetricsConfig defines observability exposure options.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// ClusterTarget identifies one resolved cluster/site pairing. It is created
// once per run and owns no mutable state.
type ClusterTarget struct {
	Name           string
	Site           string
	Endpoint       string
	NodeSuffix     string
	MonitoringHost string
}

// LookupError reports an unknown cluster/site pairing.
type LookupError struct {
	Cluster string
	Site    string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("no cluster named %s exists in site %s", e.Cluster, e.Site)
}

func (e *LookupError) Is(target error) bool {
	var other *LookupError
	return errors.As(target, &other)
}

// ValidationError aggregates multiple configuration validation failures.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool {
	var other *ValidationError
	return errors.As(target, &other)
}

// Load reads, parses, and validates a configuration from disk.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return decode(f)
}

func decode(r io.Reader) (*Config, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ResolveCluster looks up a cluster/site pairing in the address table.
func (c *Config) ResolveCluster(name, site string) (ClusterTarget, error) {
	sites, ok := c.Clusters[name]
	if !ok {
		return ClusterTarget{}, &LookupError{Cluster: name, Site: site}
	}
	cluster, ok := sites[site]
	if !ok {
		return ClusterTarget{}, &LookupError{Cluster: name, Site: site}
	}
	return ClusterTarget{
		Name:           name,
		Site:           site,
		Endpoint:       cluster.Endpoint,
		NodeSuffix:     cluster.NodeSuffix,
		MonitoringHost: cluster.MonitoringHost,
	}, nil
}

// Validate checks for semantic correctness in the configuration.
func (c *Config) Validate() error {
	problems := make([]string, 0)

	if len(c.Clusters) == 0 {
		problems = append(problems, "clusters must contain at least one entry")
	}
	for name, sites := range c.Clusters {
		if len(sites) == 0 {
			problems = append(problems, fmt.Sprintf("clusters.%s must contain at least one site", name))
		}
		for site, cluster := range sites {
			if strings.TrimSpace(cluster.Endpoint) == "" {
				problems = append(problems, fmt.Sprintf("clusters.%s.%s.endpoint is required", name, site))
			}
			if strings.TrimSpace(cluster.NodeSuffix) == "" {
				problems = append(problems, fmt.Sprintf("clusters.%s.%s.node_suffix is required", name, site))
			}
		}
	}

	// remote.command and remote.timeout_sec fall back to defaults when left
	// out, so only explicitly negative timeouts can be wrong here.
	if c.Remote.TimeoutSec < 0 {
		problems = append(problems, "remote.timeout_sec must not be negative")
	}

	if len(c.WriteControl.FreezeCommand) > 0 || len(c.WriteControl.ThawCommand) > 0 {
		if strings.TrimSpace(c.WriteControl.Host) == "" {
			problems = append(problems, "write_control.host is required when freeze/thaw commands are configured")
		}
		if len(c.WriteControl.FreezeCommand) == 0 {
			problems = append(problems, "write_control.freeze_command is required when thaw_command is configured")
		}
		if len(c.WriteControl.ThawCommand) == 0 {
			problems = append(problems, "write_control.thaw_command is required when freeze_command is configured")
		}
	}
	if len(c.WriteControl.JobQueueCommand) > 0 {
		if strings.TrimSpace(c.WriteControl.Host) == "" {
			problems = append(problems, "write_control.host is required when job_queue_command is configured")
		}
		if strings.TrimSpace(c.WriteControl.QueueName) == "" {
			problems = append(problems, "write_control.queue_name is required when job_queue_command is configured")
		}
	}
	if c.WriteControl.MaxDelayedJobs < 0 {
		problems = append(problems, "write_control.max_delayed_jobs must be non-negative")
	}

	m := c.Maintenance
	if m.BatchSize <= 0 {
		problems = append(problems, "maintenance.batch_size must be greater than zero")
	}
	if strings.TrimSpace(m.ServiceName) == "" {
		problems = append(problems, "maintenance.service_name is required")
	}
	if m.SettleDelaySec < 0 {
		problems = append(problems, "maintenance.settle_delay_sec must be non-negative")
	}
	for field, value := range map[string]int{
		"green_timeout_sec":           m.GreenTimeoutSec,
		"post_thaw_green_timeout_sec": m.PostThawGreenTimeoutSec,
		"relocation_timeout_sec":      m.RelocationTimeoutSec,
		"poll_interval_sec":           m.PollIntervalSec,
		"health_call_timeout_sec":     m.HealthCallTimeoutSec,
		"downtime_duration_sec":       m.DowntimeDurationSec,
		"reboot_timeout_sec":          m.RebootTimeoutSec,
		"service_wait_timeout_sec":    m.ServiceWaitTimeoutSec,
	} {
		if value <= 0 {
			problems = append(problems, fmt.Sprintf("maintenance.%s must be greater than zero", field))
		}
	}

	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Listen) == "" {
		problems = append(problems, "metrics.listen must be set when metrics.enabled is true")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if len(c.Remote.Command) == 0 {
		c.Remote.Command = []string{"ssh", "-o", "BatchMode=yes"}
	}
	if c.Remote.TimeoutSec == 0 {
		c.Remote.TimeoutSec = 600
	}
	if c.WriteControl.MaxDelayedJobs == 0 {
		c.WriteControl.MaxDelayedJobs = 10000
	}
	m := &c.Maintenance
	if m.BatchSize == 0 {
		m.BatchSize = 1
	}
	if strings.TrimSpace(m.ServiceName) == "" {
		m.ServiceName = "elasticsearch"
	}
	if len(m.Packages) == 0 {
		m.Packages = []string{"elasticsearch", "wmf-elasticsearch-search-plugins"}
	}
	if len(m.PluginPackages) == 0 {
		m.PluginPackages = []string{"wmf-elasticsearch-search-plugins"}
	}
	if m.SettleDelaySec == 0 {
		m.SettleDelaySec = 60
	}
	if m.GreenTimeoutSec == 0 {
		m.GreenTimeoutSec = 5400
	}
	if m.PostThawGreenTimeoutSec == 0 {
		m.PostThawGreenTimeoutSec = 300
	}
	if m.RelocationTimeoutSec == 0 {
		m.RelocationTimeoutSec = 1200
	}
	if m.PollIntervalSec == 0 {
		m.PollIntervalSec = 10
	}
	if m.HealthCallTimeoutSec == 0 {
		m.HealthCallTimeoutSec = 1
	}
	if m.DowntimeDurationSec == 0 {
		m.DowntimeDurationSec = 1800
	}
	if m.RebootTimeoutSec == 0 {
		m.RebootTimeoutSec = 600
	}
	if m.ServiceWaitTimeoutSec == 0 {
		m.ServiceWaitTimeoutSec = 60
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9090"
	}
}

// RemoteTimeout returns the per-command transport timeout as a duration.
func (c *Config) RemoteTimeout() time.Duration {
	return time.Duration(c.Remote.TimeoutSec) * time.Second
}

// SettleDelay returns how long writes are left to settle after freezing.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.Maintenance.SettleDelaySec) * time.Second
}

// GreenTimeout returns the hard health barrier budget.
func (c *Config) GreenTimeout() time.Duration {
	return time.Duration(c.Maintenance.GreenTimeoutSec) * time.Second
}

// PostThawGreenTimeout returns the soft post-thaw health barrier budget.
func (c *Config) PostThawGreenTimeout() time.Duration {
	return time.Duration(c.Maintenance.PostThawGreenTimeoutSec) * time.Second
}

// RelocationTimeout returns the relocation barrier budget.
func (c *Config) RelocationTimeout() time.Duration {
	return time.Duration(c.Maintenance.RelocationTimeoutSec) * time.Second
}

// PollInterval returns the pause between wait polls.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Maintenance.PollIntervalSec) * time.Second
}

// HealthCallTimeout returns the short per-call health check timeout.
func (c *Config) HealthCallTimeout() time.Duration {
	return time.Duration(c.Maintenance.HealthCallTimeoutSec) * time.Second
}

// DowntimeDuration returns the monitoring downtime window length.
func (c *Config) DowntimeDuration() time.Duration {
	return time.Duration(c.Maintenance.DowntimeDurationSec) * time.Second
}

// RebootTimeout returns how long to wait for a host to come back after reboot.
func (c *Config) RebootTimeout() time.Duration {
	return time.Duration(c.Maintenance.RebootTimeoutSec) * time.Second
}

// ServiceWaitTimeout returns how long to wait for the search service to answer.
func (c *Config) ServiceWaitTimeout() time.Duration {
	return time.Duration(c.Maintenance.ServiceWaitTimeoutSec) * time.Second
}
