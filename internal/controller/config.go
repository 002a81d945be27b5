package controller

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/fleet-recovery/internal/balancer"
	"github.com/ChuLiYu/fleet-recovery/internal/framing"
	"github.com/ChuLiYu/fleet-recovery/internal/jobmanager"
)

// DefaultListen is used when node.listen is empty.
const DefaultListen = ":7400"

var ErrInvalidConfig = errors.New("controller: invalid config")

// Config 節點完整配置，對應 YAML 檔案
type Config struct {
	Node NodeConfig `yaml:"node"`

	// Peers maps node names to dial targets. A node without an entry is
	// dialed by its name.
	Peers map[string]string `yaml:"peers"`

	Groups  map[string]balancer.Config `yaml:"groups"`
	Jobs    []jobmanager.Spec          `yaml:"jobs"`
	Framing FramingConfig              `yaml:"framing"`
	Metrics MetricsConfig              `yaml:"metrics"`
}

type NodeConfig struct {
	Name   string `yaml:"name"`
	Listen string `yaml:"listen"`
}

type FramingConfig struct {
	MaxMessageBytes int `yaml:"max_message_bytes"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LoadConfig 讀取並驗證 YAML 配置
//
// 參數：
//   - path: 配置檔路徑
//
// 返回值：
//   - *Config: 已填入預設值的配置
//   - error: 讀取、解析或驗證失敗
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("controller: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig 解析 YAML 內容
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("controller: parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Node.Listen == "" {
		c.Node.Listen = DefaultListen
	}
	if c.Framing.MaxMessageBytes <= 0 {
		c.Framing.MaxMessageBytes = framing.DefaultMaxMessageBytes
	}
	if c.Metrics.Enabled && c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
}

// Validate 檢查配置的一致性
//
// 錯誤處理：
//   - 所有錯誤都包裝 ErrInvalidConfig
func (c *Config) Validate() error {
	var errs []error
	if c.Node.Name == "" {
		errs = append(errs, errors.New("node.name is required"))
	}
	for _, name := range c.GroupNames() {
		if len(c.Groups[name].Nodes) == 0 {
			errs = append(errs, fmt.Errorf("group %q has no nodes", name))
		}
	}

	dups := lo.FindDuplicates(lo.FilterMap(c.Jobs, func(s jobmanager.Spec, _ int) (string, bool) {
		return s.ID, s.ID != ""
	}))
	for _, id := range dups {
		errs = append(errs, fmt.Errorf("job %q declared twice", id))
	}
	for i, s := range c.Jobs {
		if s.Kind == "" {
			errs = append(errs, fmt.Errorf("jobs[%d]: kind is required", i))
		}
		if s.Group != "" {
			if _, ok := c.Groups[s.Group]; !ok {
				errs = append(errs, fmt.Errorf("jobs[%d]: unknown group %q", i, s.Group))
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// GroupNames 回傳排序後的群組名稱
func (c *Config) GroupNames() []string {
	names := lo.Keys(c.Groups)
	sort.Strings(names)
	return names
}

// PeerAddrs 回傳每個群組節點的撥號位址
func (c *Config) PeerAddrs() map[string]string {
	addrs := make(map[string]string)
	for _, g := range c.Groups {
		for _, n := range g.Nodes {
			addrs[n] = n
		}
	}
	for n, addr := range c.Peers {
		addrs[n] = addr
	}
	return addrs
}

// GroupConfig 回傳帶有名稱的群組配置
func (c *Config) GroupConfig(name string) (balancer.Config, bool) {
	g, ok := c.Groups[name]
	g.Group = name
	return g, ok
}
