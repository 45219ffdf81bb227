package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models dispatchline.yml.
type Config struct {
	Governor    GovernorConfig    `yaml:"governor" json:"governor"`
	Escalation  EscalationConfig  `yaml:"escalation" json:"escalation"`
	EventDriven EventDrivenConfig `yaml:"event_driven" json:"event_driven"`
	Queue       QueueConfig       `yaml:"queue" json:"queue"`
	Bus         BusConfig         `yaml:"bus" json:"bus"`
	Server      ServerConfig      `yaml:"server" json:"server"`
	Notify      NotifyConfig      `yaml:"notify" json:"notify"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" json:"telemetry"`
	Log         LogConfig         `yaml:"log" json:"log"`
}

// GovernorConfig drives scanning and the decision engine. It is treated as
// immutable once a governor has been built from it.
type GovernorConfig struct {
	Projects                  []string      `yaml:"projects" json:"projects"`
	ScanInterval              time.Duration `yaml:"scan_interval" json:"scan_interval"`
	MaxConcurrentDispatches   int           `yaml:"max_concurrent_dispatches" json:"max_concurrent_dispatches"`
	EnableAutoResearch        bool          `yaml:"enable_auto_research" json:"enable_auto_research"`
	EnableAutoBacklogCreation bool          `yaml:"enable_auto_backlog_creation" json:"enable_auto_backlog_creation"`
	EnableAutoDevelopment     bool          `yaml:"enable_auto_development" json:"enable_auto_development"`
	EnableAutoQA              bool          `yaml:"enable_auto_qa" json:"enable_auto_qa"`
	EnableAutoAcceptance      bool          `yaml:"enable_auto_acceptance" json:"enable_auto_acceptance"`
	HumanResponseTimeout      time.Duration `yaml:"human_response_timeout" json:"human_response_timeout"`
	QACooldown                time.Duration `yaml:"qa_cooldown" json:"qa_cooldown"`
	Statuses                  StatusMap     `yaml:"statuses" json:"statuses"`
}

// Stage is a workflow stage that a tracker status maps onto.
type Stage string

const (
	StageUnknown   Stage = ""
	StageIcebox    Stage = "icebox"
	StageBacklog   Stage = "backlog"
	StageFinished  Stage = "finished"
	StageDelivered Stage = "delivered"
	StageRejected  Stage = "rejected"
	StageTerminal  Stage = "terminal"
)

// StatusMap lists the tracker status names that belong to each stage.
type StatusMap struct {
	Icebox    []string `yaml:"icebox" json:"icebox"`
	Backlog   []string `yaml:"backlog" json:"backlog"`
	Finished  []string `yaml:"finished" json:"finished"`
	Delivered []string `yaml:"delivered" json:"delivered"`
	Rejected  []string `yaml:"rejected" json:"rejected"`
	Terminal  []string `yaml:"terminal" json:"terminal"`
}

// Classify maps a tracker status onto a stage. Matching ignores case and
// surrounding whitespace.
func (m StatusMap) Classify(status string) Stage {
	s := strings.TrimSpace(status)
	for _, entry := range []struct {
		stage Stage
		names []string
	}{
		{StageIcebox, m.Icebox},
		{StageBacklog, m.Backlog},
		{StageFinished, m.Finished},
		{StageDelivered, m.Delivered},
		{StageRejected, m.Rejected},
		{StageTerminal, m.Terminal},
	} {
		for _, name := range entry.names {
			if strings.EqualFold(strings.TrimSpace(name), s) {
				return entry.stage
			}
		}
	}
	return StageUnknown
}

type EscalationConfig struct {
	ReviewRequestTimeout         time.Duration `yaml:"review_request_timeout" json:"review_request_timeout"`
	DecompositionProposalTimeout time.Duration `yaml:"decomposition_proposal_timeout" json:"decomposition_proposal_timeout"`
}

type EventDrivenConfig struct {
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	DedupWindow   time.Duration `yaml:"dedup_window" json:"dedup_window"`
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// QueueConfig selects the work queue backend: memory, sqlite or redis.
type QueueConfig struct {
	Backend        string        `yaml:"backend" json:"backend"`
	RedisURL       string        `yaml:"redis_url" json:"redis_url"`
	Namespace      string        `yaml:"namespace" json:"namespace"`
	ClaimTTL       time.Duration `yaml:"claim_ttl" json:"claim_ttl"`
	StaleWorkerAge time.Duration `yaml:"stale_worker_age" json:"stale_worker_age"`
}

// BusConfig selects the event bus backend: local or nats.
type BusConfig struct {
	Backend string `yaml:"backend" json:"backend"`
	NATSURL string `yaml:"nats_url" json:"nats_url"`
	Subject string `yaml:"subject" json:"subject"`
	// Dedup selects where dedup keys live: memory or redis.
	Dedup string `yaml:"dedup" json:"dedup"`
}

type ServerConfig struct {
	Addr          string `yaml:"addr" json:"addr"`
	BasePath      string `yaml:"base_path" json:"base_path"`
	JWTSecret     string `yaml:"jwt_secret" json:"-"`
	WebhookSecret string `yaml:"webhook_secret" json:"-"`
}

type NotifyConfig struct {
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events"`
	Secret         string   `yaml:"secret" json:"-"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds"`
}

type TelemetryConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	Stdout  bool `yaml:"stdout" json:"stdout"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Default returns the baseline configuration every loaded file is merged onto.
func Default() *Config {
	var cfg Config
	if err := yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg); err != nil {
		panic(fmt.Sprintf("config: default template: %v", err))
	}
	return &cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	g := c.Governor
	seen := map[string]bool{}
	for _, p := range g.Projects {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("governor.projects contains an empty project name")
		}
		if seen[p] {
			return fmt.Errorf("governor.projects lists %s twice", p)
		}
		seen[p] = true
	}
	if g.ScanInterval <= 0 {
		return fmt.Errorf("governor.scan_interval must be positive")
	}
	if g.MaxConcurrentDispatches < 0 {
		return fmt.Errorf("governor.max_concurrent_dispatches must not be negative")
	}
	if g.HumanResponseTimeout < 0 || g.QACooldown < 0 {
		return fmt.Errorf("governor timeouts must not be negative")
	}
	if err := g.Statuses.validate(); err != nil {
		return err
	}
	if c.Escalation.ReviewRequestTimeout <= 0 || c.Escalation.DecompositionProposalTimeout <= 0 {
		return fmt.Errorf("escalation timeouts must be positive")
	}
	if c.EventDriven.DedupWindow <= 0 || c.EventDriven.SweepInterval <= 0 {
		return fmt.Errorf("event_driven.dedup_window and sweep_interval must be positive")
	}
	switch c.Queue.Backend {
	case "memory", "sqlite":
	case "redis":
		if strings.TrimSpace(c.Queue.RedisURL) == "" {
			return fmt.Errorf("queue.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("queue.backend must be one of memory, sqlite, redis (got %q)", c.Queue.Backend)
	}
	switch c.Bus.Backend {
	case "local":
	case "nats":
		if strings.TrimSpace(c.Bus.NATSURL) == "" {
			return fmt.Errorf("bus.nats_url is required for the nats backend")
		}
	default:
		return fmt.Errorf("bus.backend must be local or nats (got %q)", c.Bus.Backend)
	}
	switch c.Bus.Dedup {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Queue.RedisURL) == "" {
			return fmt.Errorf("bus.dedup=redis requires queue.redis_url")
		}
	default:
		return fmt.Errorf("bus.dedup must be memory or redis (got %q)", c.Bus.Dedup)
	}
	for i, hook := range c.Notify.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("notify.webhooks[%d].url is required", i)
		}
	}
	return nil
}

func (m StatusMap) validate() error {
	owner := map[string]string{}
	for stage, names := range map[string][]string{
		"icebox": m.Icebox, "backlog": m.Backlog, "finished": m.Finished,
		"delivered": m.Delivered, "rejected": m.Rejected, "terminal": m.Terminal,
	} {
		for _, name := range names {
			key := strings.ToLower(strings.TrimSpace(name))
			if key == "" {
				return fmt.Errorf("governor.statuses.%s has an empty status", stage)
			}
			if prev, ok := owner[key]; ok && prev != stage {
				return fmt.Errorf("status %q mapped to both %s and %s", name, prev, stage)
			}
			owner[key] = stage
		}
	}
	return nil
}

// Load reads path and merges it onto Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with dl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns Default when path is empty or missing.
func LoadOptional(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// FromYAML parses YAML onto the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `governor:
  projects: []
  scan_interval: 5m
  max_concurrent_dispatches: 3
  enable_auto_research: false
  enable_auto_backlog_creation: false
  enable_auto_development: true
  enable_auto_qa: true
  enable_auto_acceptance: true
  human_response_timeout: 24h
  qa_cooldown: 30m
  statuses:
    icebox: [Icebox]
    backlog: [Backlog, Todo]
    finished: [Finished, In Review]
    delivered: [Delivered]
    rejected: [Rejected, QA Failed]
    terminal: [Done, Accepted, Canceled, Duplicate]

escalation:
  review_request_timeout: 4h
  decomposition_proposal_timeout: 2h

event_driven:
  enabled: true
  dedup_window: 30s
  sweep_interval: 15m

queue:
  backend: sqlite
  redis_url: ""
  namespace: dispatchline
  claim_ttl: 30m
  stale_worker_age: 2m

bus:
  backend: local
  nats_url: ""
  subject: dispatchline.events
  dedup: memory

server:
  addr: 127.0.0.1:8080
  base_path: /v0

notify:
  webhooks: []

telemetry:
  enabled: false
  stdout: false

log:
  level: info
  format: text
`
