package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"ballotline/internal/domain"
	"ballotline/internal/selection"
)

// Config models ballotline.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Auth      struct {
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
		RequireMembership      bool   `yaml:"require_membership"`
	} `yaml:"auth"`
	Log       LogConfig           `yaml:"log"`
	RBAC      map[string]RBACRole `yaml:"rbac"`
	Templates []domain.Template   `yaml:"templates"`
}

type SchedulerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
	Workers int    `yaml:"workers"`
}

type RealtimeConfig struct {
	NATSURL         string          `yaml:"nats_url"`
	Stream          string          `yaml:"stream"`
	SubjectPrefix   string          `yaml:"subject_prefix"`
	DuplicateWindow time.Duration   `yaml:"duplicate_window"`
	RelayInterval   time.Duration   `yaml:"relay_interval"`
	Webhooks        []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig forwards invalidations to an HTTP endpoint. Channels holds
// exact names or prefixes ending in "*"; empty means every channel.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Channels       []string `yaml:"channels"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// Load reads and validates config from workspace. A missing file yields Default().
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
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
	if c.Scheduler.Workers < 0 {
		return fmt.Errorf("config.scheduler.workers must be >= 0")
	}
	if c.Realtime.NATSURL != "" && c.Realtime.Stream == "" {
		return fmt.Errorf("config.realtime.stream is required when nats_url is set")
	}
	for i, hook := range c.Realtime.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.realtime.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.realtime.webhooks[%d].timeout_seconds must be >= 0", i)
		}
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.log.format must be json or console")
	}
	if len(c.RBAC) > 0 {
		if _, ok := c.RBAC["admin"]; !ok {
			return fmt.Errorf("config.rbac must include admin")
		}
		for roleID, role := range c.RBAC {
			if roleID == "" {
				return fmt.Errorf("config.rbac contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	seen := map[string]bool{}
	for i, t := range c.Templates {
		if t.ID == "" {
			return fmt.Errorf("config.templates[%d].id is required", i)
		}
		if seen[t.ID] {
			return fmt.Errorf("template %s defined twice", t.ID)
		}
		seen[t.ID] = true
		phases := map[string]bool{}
		for _, p := range t.Phases {
			if p.ID == "" {
				return fmt.Errorf("template %s has phase with empty id", t.ID)
			}
			if phases[p.ID] {
				return fmt.Errorf("template %s has duplicate phase %s", t.ID, p.ID)
			}
			phases[p.ID] = true
			if p.Settings.MaxVotesPerMember < 0 {
				return fmt.Errorf("template %s phase %s: max_votes_per_member must be >= 0", t.ID, p.ID)
			}
			for _, step := range p.Selection {
				if !selection.KnownKind(step.Kind) {
					return fmt.Errorf("template %s phase %s: unknown selection step %q", t.ID, p.ID, step.Kind)
				}
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "ballotline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultConfig
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultConfig)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Unset sections keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	defaultTemplates := cfg.Templates
	cfg.Templates = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if cfg.Templates == nil {
		cfg.Templates = defaultTemplates
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

const defaultConfig = `server:
  addr: 127.0.0.1:8080
  base_path: /v0

scheduler:
  enabled: true
  cron: "@hourly"
  workers: 4

realtime:
  stream: BALLOTLINE_INVALIDATIONS
  subject_prefix: ballotline.invalidate
  duplicate_window: 2m
  relay_interval: 2s

auth:
  allow_legacy_actor_header: false
  require_membership: true

log:
  level: info
  format: json

rbac:
  admin:
    description: "Instance administrator"
    permissions:
      - instance.update
      - proposal.submit
      - proposal.review
      - ballot.cast
      - invite.create
      - invite.list
      - role.assign
      - results.read
      - events.read
  member:
    description: "Participating member"
    permissions:
      - proposal.submit
      - ballot.cast
      - results.read

templates:
  - id: participatory-budgeting
    name: Participatory budgeting
    description: "Propose, review, vote and fund community projects"
    proposal_schema:
      required: [title]
      properties:
        title:
          type: string
        budget:
          type: number
    phases:
      - id: propose
        name: Proposals
        rules:
          proposal_submission: true
      - id: review
        name: Review
        rules:
          admin_review: true
        selection:
          - kind: filter_accepted
      - id: vote
        name: Voting
        rules:
          voting: true
        settings:
          max_votes_per_member: 3
        selection:
          - kind: filter_accepted
          - kind: filter_min_votes
            min: 1
          - kind: rank_votes
          - kind: cap_budget
      - id: results
        name: Results
  - id: simple-vote
    name: Simple vote
    proposal_schema:
      required: [title]
    phases:
      - id: propose
        rules:
          proposal_submission: true
      - id: vote
        rules:
          voting: true
        settings:
          max_votes_per_member: 1
        selection:
          - kind: filter_min_votes
            min: 1
          - kind: rank_votes
          - kind: cap_top_n
            n: 1
`
