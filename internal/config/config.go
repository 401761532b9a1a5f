package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes Go duration strings ("30s", "48h") from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) D() time.Duration { return time.Duration(d) }

// Config models pipeline.yml.
type Config struct {
	Locks struct {
		TTL           Duration `yaml:"ttl"`
		RenewInterval Duration `yaml:"renew_interval"`
	} `yaml:"locks"`
	Dispatch struct {
		PollInterval Duration               `yaml:"poll_interval"`
		Classes      map[string]ClassPolicy `yaml:"classes"`
		Routes       map[string]string      `yaml:"routes"`
	} `yaml:"dispatch"`
	Validation struct {
		MaxInFlight       int      `yaml:"max_in_flight"`
		Stagger           Duration `yaml:"stagger"`
		SuppressionWindow Duration `yaml:"suppression_window"`
		ResponseTimeout   Duration `yaml:"response_timeout"`
		ProceedFraction   float64  `yaml:"proceed_fraction"`
		Deadline          Duration `yaml:"deadline"`
	} `yaml:"validation"`
	Monitor struct {
		Interval Duration `yaml:"interval"`
	} `yaml:"monitor"`
	Decision struct {
		Provider    string   `yaml:"provider"`
		Model       string   `yaml:"model"`
		Temperature float64  `yaml:"temperature"`
		MaxTokens   int      `yaml:"max_tokens"`
		Timeout     Duration `yaml:"timeout"`
	} `yaml:"decision"`
	Mail struct {
		Domain string `yaml:"domain"`
		From   string `yaml:"from"`
	} `yaml:"mail"`
	Correlation struct {
		DedupTTL Duration `yaml:"dedup_ttl"`
	} `yaml:"correlation"`
	Workflow struct {
		ProjectDeadline     Duration `yaml:"project_deadline"`
		CheckpointTimeout   Duration `yaml:"checkpoint_timeout"`
		LeadApprovalTimeout Duration `yaml:"lead_approval_timeout"`
		// WaitRetry spaces out re-asks when the decision is to wait with no
		// checkpoint open; after MaxWaits the table's default step runs.
		WaitRetry           Duration `yaml:"wait_retry"`
		MaxWaits            int      `yaml:"max_waits"`
	} `yaml:"workflow"`
}

// ClassPolicy is the retry and pool policy for one task class.
type ClassPolicy struct {
	Workers     int      `yaml:"workers"`
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
	Jitter      float64  `yaml:"jitter"`
	Timeout     Duration `yaml:"timeout"`
}

// Load reads and validates config from workspace, falling back to defaults
// when no file exists.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Locks.TTL <= 0 {
		return fmt.Errorf("config.locks.ttl must be positive")
	}
	if c.Locks.RenewInterval <= 0 || c.Locks.RenewInterval >= c.Locks.TTL {
		return fmt.Errorf("config.locks.renew_interval must be positive and shorter than ttl")
	}
	if len(c.Dispatch.Classes) == 0 {
		return fmt.Errorf("config.dispatch.classes is required")
	}
	for name, cls := range c.Dispatch.Classes {
		if name == "" {
			return fmt.Errorf("config.dispatch.classes contains empty class name")
		}
		if cls.Workers < 1 {
			return fmt.Errorf("class %s needs at least one worker", name)
		}
		if cls.MaxAttempts < 1 {
			return fmt.Errorf("class %s max_attempts must be >= 1", name)
		}
		if cls.Timeout <= 0 {
			return fmt.Errorf("class %s timeout must be positive", name)
		}
		if cls.Jitter < 0 || cls.Jitter > 1 {
			return fmt.Errorf("class %s jitter must be within [0,1]", name)
		}
	}
	for action, class := range c.Dispatch.Routes {
		if _, ok := c.Dispatch.Classes[class]; !ok {
			return fmt.Errorf("route %s references unknown class %s", action, class)
		}
	}
	if c.Validation.MaxInFlight < 1 {
		return fmt.Errorf("config.validation.max_in_flight must be >= 1")
	}
	if c.Validation.ProceedFraction <= 0 || c.Validation.ProceedFraction > 1 {
		return fmt.Errorf("config.validation.proceed_fraction must be within (0,1]")
	}
	if c.Validation.ResponseTimeout <= 0 || c.Validation.Deadline <= 0 {
		return fmt.Errorf("config.validation response_timeout and deadline must be positive")
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("config.monitor.interval must be positive")
	}
	switch c.Decision.Provider {
	case "static", "gemini", "openai":
	default:
		return fmt.Errorf("config.decision.provider must be one of static, gemini, openai")
	}
	if c.Mail.Domain == "" {
		return fmt.Errorf("config.mail.domain is required")
	}
	if c.Correlation.DedupTTL <= 0 {
		return fmt.Errorf("config.correlation.dedup_ttl must be positive")
	}
	if c.Workflow.CheckpointTimeout <= 0 {
		return fmt.Errorf("config.workflow.checkpoint_timeout must be positive")
	}
	if c.Workflow.WaitRetry <= 0 || c.Workflow.MaxWaits < 0 {
		return fmt.Errorf("config.workflow.wait_retry must be positive and max_waits non-negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "pipeline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses config from raw YAML bytes on top of the defaults and
// validates the result.
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// ClassFor returns the task class an action is routed to.
func (c *Config) ClassFor(action string) (string, bool) {
	class, ok := c.Dispatch.Routes[action]
	return class, ok
}

const defaultTemplate = `locks:
  ttl: 5m
  renew_interval: 1m

dispatch:
  poll_interval: 500ms
  classes:
    orchestration:
      workers: 4
      max_attempts: 3
      base_delay: 60s
      max_delay: 10m
      jitter: 0.2
      timeout: 5m
    messaging:
      workers: 2
      max_attempts: 5
      base_delay: 30s
      max_delay: 10m
      jitter: 0.2
      timeout: 1m
    validation:
      workers: 2
      max_attempts: 3
      base_delay: 60s
      max_delay: 10m
      jitter: 0.2
      timeout: 10m
    artifacts:
      workers: 1
      max_attempts: 3
      base_delay: 60s
      max_delay: 15m
      jitter: 0.2
      timeout: 15m
  routes:
    advance: orchestration
    fail-project: orchestration
    send-message: messaging
    run-validation-fanout: validation
    generate-artifact: artifacts

validation:
  max_in_flight: 10
  stagger: 1s
  suppression_window: 24h
  response_timeout: 48h
  proceed_fraction: 1.0
  deadline: 72h

monitor:
  interval: 1m

decision:
  provider: static
  model: gemini-2.5-flash
  temperature: 0.2
  max_tokens: 512
  timeout: 30s

mail:
  domain: proposals.local
  from: pipeline@proposals.local

correlation:
  dedup_ttl: 48h

workflow:
  project_deadline: 336h
  checkpoint_timeout: 96h
  lead_approval_timeout: 72h
  wait_retry: 10m
  max_waits: 3
`
