package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Dir is the per-workspace directory holding the database, artifacts and logs.
const Dir = ".autocycle"

var validate = validator.New()

// Duration is a time.Duration that reads and writes YAML strings such as "5m".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config models autocycle.yml.
type Config struct {
	Storage struct {
		Backend string `yaml:"backend" validate:"oneof=sqlite file bolt"`
	} `yaml:"storage"`
	Scheduler struct {
		Tick  Duration `yaml:"tick" validate:"gt=0"`
		Grace Duration `yaml:"grace" validate:"gte=0"`
	} `yaml:"scheduler"`
	Tasks struct {
		Learning TaskConfig `yaml:"learning"`
		Value    TaskConfig `yaml:"value"`
		Health   TaskConfig `yaml:"health"`
		Backup   TaskConfig `yaml:"backup"`
		Snapshot TaskConfig `yaml:"snapshot"`
	} `yaml:"tasks"`
	Timeouts struct {
		Strategy Duration `yaml:"strategy" validate:"gt=0"`
		Research Duration `yaml:"research" validate:"gt=0"`
		Storage  Duration `yaml:"storage" validate:"gt=0"`
	} `yaml:"timeouts"`
	Persistence struct {
		AlertAfter int `yaml:"alert_after" validate:"gte=1"`
	} `yaml:"persistence"`
	Backup struct {
		Retention int `yaml:"retention" validate:"gte=1"`
	} `yaml:"backup"`
	Learning struct {
		GroupPause Duration     `yaml:"group_pause" validate:"gte=0"`
		Groups     []TopicGroup `yaml:"groups" validate:"dive"`
	} `yaml:"learning"`
	Strategies []StrategyConfig `yaml:"strategies" validate:"dive"`
	Server     struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
}

// TaskConfig sets the period and per-run timeout of one scheduled task.
type TaskConfig struct {
	Interval Duration `yaml:"interval" validate:"gt=0"`
	Timeout  Duration `yaml:"timeout" validate:"gte=0"`
}

// TopicGroup is a named batch of research topics; entries are stored as <group>_<topic>.
type TopicGroup struct {
	Name   string   `yaml:"name" validate:"required"`
	Topics []string `yaml:"topics" validate:"dive,required"`
}

// StrategyConfig configures one simulated strategy. Order in the list is the attempt priority.
type StrategyConfig struct {
	ID          string   `yaml:"id" validate:"required"`
	SuccessRate float64  `yaml:"success_rate" validate:"gte=0,lte=1"`
	FailureRate float64  `yaml:"failure_rate" validate:"gte=0,lte=1"`
	MaxValue    float64  `yaml:"max_value" validate:"gte=0"`
	Latency     Duration `yaml:"latency" validate:"gte=0"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with autocycle config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the config file does not exist.
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
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config.%s fails %s validation", strings.ToLower(fe.Namespace()), fe.Tag())
		}
		return err
	}
	seen := make(map[string]struct{}, len(c.Strategies))
	for _, s := range c.Strategies {
		if _, ok := seen[s.ID]; ok {
			return fmt.Errorf("strategy %s listed twice", s.ID)
		}
		seen[s.ID] = struct{}{}
		if s.SuccessRate+s.FailureRate > 1 {
			return fmt.Errorf("strategy %s: success_rate + failure_rate exceeds 1", s.ID)
		}
	}
	groups := make(map[string]struct{}, len(c.Learning.Groups))
	for _, g := range c.Learning.Groups {
		if _, ok := groups[g.Name]; ok {
			return fmt.Errorf("learning group %s listed twice", g.Name)
		}
		groups[g.Name] = struct{}{}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "autocycle.yml")
}

// DataDir returns the workspace data directory.
func DataDir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, Dir)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Fields missing from
// data keep their default values.
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

const defaultTemplate = `storage:
  backend: sqlite

scheduler:
  tick: 1s
  grace: 10s

tasks:
  learning:
    interval: 5m
    timeout: 4m
  value:
    interval: 10m
    timeout: 2m
  health:
    interval: 1m
    timeout: 15s
  backup:
    interval: 6h
    timeout: 1m
  snapshot:
    interval: 30s
    timeout: 15s

timeouts:
  strategy: 20s
  research: 10s
  storage: 5s

persistence:
  alert_after: 3

backup:
  retention: 10

learning:
  group_pause: 2s
  groups:
    - name: ethereum
      topics: [ethereum-transactions, gas-optimization, smart-contract-security, layer2-scaling]
    - name: contract
      topics: [ERC20, ERC721, ERC1155, UniswapV2, UniswapV3, Aave, Compound]
    - name: defi
      topics: [lending, borrowing, yield-farming, liquidity-pools, staking]
    - name: bridge
      topics: [polygon-bridge, arbitrum-bridge, optimism-bridge, layerzero]
    - name: nft
      topics: [marketplaces, minting, royalties, fractionalization]

strategies:
  - id: arbitrage
    success_rate: 0.3
    failure_rate: 0.05
    max_value: 1000
    latency: 200ms
  - id: liquidity_provision
    success_rate: 0.2
    failure_rate: 0.05
    max_value: 500
    latency: 200ms
  - id: yield_farming
    success_rate: 0.2
    failure_rate: 0.05
    max_value: 300
    latency: 200ms
  - id: flash_loan
    success_rate: 0.1
    failure_rate: 0.1
    max_value: 2000
    latency: 500ms
  - id: mev_extraction
    success_rate: 0.2
    failure_rate: 0.1
    max_value: 500
    latency: 500ms

server:
  addr: 127.0.0.1:8780
  base_path: /v0
`
