package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const fileName = "reviewgate.yml"

// Config models reviewgate.yml.
type Config struct {
	Reviewers map[string]ReviewerDomain `yaml:"reviewers"`
	Gates     struct {
		Planning struct {
			TimeoutMinutes int `yaml:"timeout_minutes"`
			MaxRounds      int `yaml:"max_rounds"`
		} `yaml:"planning"`
		Review struct {
			TimeoutMinutes int `yaml:"timeout_minutes"`
			MaxRounds      int `yaml:"max_rounds"`
		} `yaml:"review"`
		ReflectionMinutes int `yaml:"reflection_minutes"`
	} `yaml:"gates"`
	Bounds struct {
		MaxValidationAttempts int `yaml:"max_validation_attempts"`
		MaxReviewCycles       int `yaml:"max_review_cycles"`
	} `yaml:"bounds"`
	Validation struct {
		Layers []Layer `yaml:"layers"`
	} `yaml:"validation"`
	SensitivePaths []string `yaml:"sensitive_paths"`
	Deferrals      struct {
		ValidReasons   []string `yaml:"valid_reasons"`
		InvalidMarkers []string `yaml:"invalid_markers"`
	} `yaml:"deferrals"`
	Specialists map[string][]string `yaml:"specialists"`
}

// ReviewerDomain declares a review domain and its blocking policy. A finding
// at or above BlockingThreshold blocks that reviewer's approval; anything
// below is recorded as accepted technical debt.
type ReviewerDomain struct {
	Description       string `yaml:"description"`
	BlockingThreshold string `yaml:"blocking_threshold"`
}

// Layer declares one external verification step. Command is opaque to the
// coordinator. Triggers, when set, activate the layer only if the change
// contains a matching path.
type Layer struct {
	Name     string   `yaml:"name"`
	Purpose  string   `yaml:"purpose"`
	Command  string   `yaml:"command,omitempty"`
	Triggers []string `yaml:"triggers,omitempty"`
}

func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".reviewgate", fileName)
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist.
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

func FromYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

var severities = map[string]bool{"low": true, "medium": true, "high": true, "critical": true}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Reviewers) == 0 {
		return fmt.Errorf("config.reviewers is required")
	}
	for name, d := range c.Reviewers {
		if name == "" {
			return fmt.Errorf("config.reviewers contains empty domain name")
		}
		if !severities[d.BlockingThreshold] {
			return fmt.Errorf("reviewer %s has invalid blocking_threshold %q", name, d.BlockingThreshold)
		}
	}
	if c.Gates.Planning.TimeoutMinutes <= 0 || c.Gates.Planning.MaxRounds <= 0 {
		return fmt.Errorf("config.gates.planning timeout and rounds must be positive")
	}
	if c.Bounds.MaxValidationAttempts <= 0 {
		return fmt.Errorf("config.bounds.max_validation_attempts must be positive")
	}
	if c.Bounds.MaxReviewCycles <= 0 {
		return fmt.Errorf("config.bounds.max_review_cycles must be positive")
	}
	if len(c.Validation.Layers) == 0 {
		return fmt.Errorf("config.validation.layers is required")
	}
	seen := map[string]bool{}
	for _, l := range c.Validation.Layers {
		if l.Name == "" {
			return fmt.Errorf("validation layer with empty name")
		}
		if seen[l.Name] {
			return fmt.Errorf("duplicate validation layer %s", l.Name)
		}
		seen[l.Name] = true
	}
	for label, keywords := range c.Specialists {
		if label == "" {
			return fmt.Errorf("config.specialists contains empty label")
		}
		if len(keywords) == 0 {
			return fmt.Errorf("specialist %s has no keywords", label)
		}
	}
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{
		Reviewers: map[string]ReviewerDomain{
			"security": {
				Description:       "authentication, crypto, injection and data-exposure review",
				BlockingThreshold: "low",
			},
			"correctness": {
				Description:       "logic, edge cases and error handling review",
				BlockingThreshold: "medium",
			},
			"performance": {
				Description:       "algorithmic cost and resource usage review",
				BlockingThreshold: "high",
			},
			"maintainability": {
				Description:       "structure, naming and readability review",
				BlockingThreshold: "critical",
			},
		},
		SensitivePaths: []string{
			"**/auth/**", "**/crypto/**", "**/*_auth*",
			"**/migrations/**", "**/*.sql",
			"**/*.proto", "**/api/**",
			"go.mod", "go.sum", "**/package.json", "**/requirements*.txt",
			"**/common/**", "**/shared/**", "**/pkg/**",
			"**/telemetry/**", "**/metrics/**",
		},
		Specialists: map[string][]string{
			"backend":        {"api", "endpoint", "database", "migration", "service"},
			"frontend":       {"ui", "component", "css", "page", "form"},
			"infrastructure": {"deploy", "docker", "pipeline", "terraform", "provision"},
			"data":           {"etl", "warehouse", "analytics", "dataset"},
		},
	}
	cfg.Gates.Planning.TimeoutMinutes = 30
	cfg.Gates.Planning.MaxRounds = 3
	cfg.Gates.Review.TimeoutMinutes = 30
	cfg.Gates.Review.MaxRounds = 3
	cfg.Gates.ReflectionMinutes = 15
	cfg.Bounds.MaxValidationAttempts = 3
	cfg.Bounds.MaxReviewCycles = 3
	cfg.Validation.Layers = []Layer{
		{Name: "compile", Purpose: "catches type and build errors"},
		{Name: "format", Purpose: "catches formatting drift"},
		{Name: "static-guards", Purpose: "catches forbidden constructs"},
		{Name: "tests", Purpose: "catches behavioral regressions"},
		{Name: "lint", Purpose: "catches style violations"},
		{Name: "dependency-audit", Purpose: "catches vulnerable or unreviewed dependencies"},
		{Name: "schema-migration", Purpose: "checks migration reversibility", Triggers: []string{"**/migrations/**", "**/*.sql"}},
		{Name: "interface-contract", Purpose: "checks interface compatibility", Triggers: []string{"**/*.proto", "**/api/**"}},
	}
	cfg.Deferrals.ValidReasons = []string{
		"requires out-of-scope files",
		"requires its own design and testing cycle",
		"requires cross-component coordination",
	}
	cfg.Deferrals.InvalidMarkers = []string{
		"works as-is",
		"do it later",
		"not a big deal",
		"minor issue",
		"probably fine",
	}
	return cfg
}
