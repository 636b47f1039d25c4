package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models humanrpc.yml.
type Config struct {
	Network struct {
		ID string `yaml:"id"`
	} `yaml:"network"`
	Consensus struct {
		MinVoters    int     `yaml:"min_voters"`
		MaxVoters    int     `yaml:"max_voters"`
		MinThreshold float64 `yaml:"min_threshold"`
		MaxThreshold float64 `yaml:"max_threshold"`
		MinCertainty float64 `yaml:"min_certainty"`
	} `yaml:"consensus"`
	Scoring struct {
		CorrectPoints   int `yaml:"correct_points"`
		IncorrectPoints int `yaml:"incorrect_points"`
	} `yaml:"scoring"`
	Tiers struct {
		MidScore    int `yaml:"mid_score"`
		SeniorScore int `yaml:"senior_score"`
	} `yaml:"tiers"`
	Penalties struct {
		MidBurnFraction    float64 `yaml:"mid_burn_fraction"`
		SeniorWindowHours  int     `yaml:"senior_window_hours"`
		SeniorMaxIncorrect int     `yaml:"senior_max_incorrect"`
	} `yaml:"penalties"`
	Rewards struct {
		PoolUnits int64 `yaml:"pool_units"`
	} `yaml:"rewards"`
	Streak struct {
		WindowDays int `yaml:"window_days"`
	} `yaml:"streak"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run hrpc init or pass --workspace", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
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
	cs := c.Consensus
	if cs.MinVoters < 1 {
		return fmt.Errorf("config.consensus.min_voters must be >= 1")
	}
	if cs.MaxVoters < cs.MinVoters {
		return fmt.Errorf("config.consensus.max_voters must be >= min_voters")
	}
	// 0.51 floor: at exactly 0.5 a dead-even full jury would satisfy the
	// majority-share fallback and settle a tie.
	if cs.MinThreshold < 0.51 || cs.MinThreshold > 1 {
		return fmt.Errorf("config.consensus.min_threshold must be in [0.51, 1]")
	}
	if cs.MaxThreshold < cs.MinThreshold || cs.MaxThreshold > 1 {
		return fmt.Errorf("config.consensus.max_threshold must be in [min_threshold, 1]")
	}
	if cs.MinCertainty < 0 || cs.MinCertainty >= 1 {
		return fmt.Errorf("config.consensus.min_certainty must be in [0, 1)")
	}
	if c.Scoring.CorrectPoints <= 0 {
		return fmt.Errorf("config.scoring.correct_points must be positive")
	}
	if c.Scoring.IncorrectPoints >= 0 {
		return fmt.Errorf("config.scoring.incorrect_points must be negative")
	}
	if c.Tiers.MidScore <= 0 || c.Tiers.SeniorScore <= c.Tiers.MidScore {
		return fmt.Errorf("config.tiers scores must satisfy 0 < mid_score < senior_score")
	}
	if c.Penalties.MidBurnFraction < 0 || c.Penalties.MidBurnFraction > 1 {
		return fmt.Errorf("config.penalties.mid_burn_fraction must be in [0, 1]")
	}
	if c.Penalties.SeniorWindowHours <= 0 {
		return fmt.Errorf("config.penalties.senior_window_hours must be positive")
	}
	if c.Penalties.SeniorMaxIncorrect < 1 {
		return fmt.Errorf("config.penalties.senior_max_incorrect must be >= 1")
	}
	if c.Rewards.PoolUnits < 0 {
		return fmt.Errorf("config.rewards.pool_units must not be negative")
	}
	if c.Streak.WindowDays < 1 {
		return fmt.Errorf("config.streak.window_days must be >= 1")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "humanrpc.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `network:
  id: devnet

# Inverse confidence sliding scale: lower agent certainty means a larger
# jury and a stricter acceptance threshold.
consensus:
  min_voters: 3
  max_voters: 15
  min_threshold: 0.51
  max_threshold: 0.90
  min_certainty: 0.5

scoring:
  correct_points: 3
  incorrect_points: -1

tiers:
  mid_score: 100
  senior_score: 500

penalties:
  mid_burn_fraction: 0.5
  senior_window_hours: 24
  senior_max_incorrect: 3

rewards:
  pool_units: 100

streak:
  window_days: 30
`
