package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// 功率参数默认值
const (
	DefaultBalanceInterval = 30 * time.Second
	DefaultCapmcPath       = "/opt/cray/capmc/default/bin/capmc"
	DefaultCapWatts        = 0
	DefaultDecreaseRate    = 50
	DefaultIncreaseRate    = 20
	DefaultLowerThreshold  = 90
	DefaultUpperThreshold  = 95
	DefaultRecentJob       = 300 * time.Second
)

// JobLevelMode 作业功率平齐模式
type JobLevelMode int

const (
	// JobLevelPerJob 根据每个作业自身的标志决定是否平齐
	JobLevelPerJob JobLevelMode = iota
	// JobLevelForce 对所有作业强制平齐
	JobLevelForce
	// JobLevelNever 对所有作业禁止平齐
	JobLevelNever
)

func (m JobLevelMode) String() string {
	switch m {
	case JobLevelForce:
		return "job_level"
	case JobLevelNever:
		return "job_no_level"
	default:
		return "per_job"
	}
}

// Config 全局配置
type Config struct {
	PowerManager PowerManagerConfig `yaml:"powermanager"`
	Events       EventsConfig       `yaml:"events"`
}

// PowerManagerConfig 功率管理器配置
type PowerManagerConfig struct {
	NodeNIDs        string        `yaml:"node_nids"`        // 集群节点的NID范围表达式，例如 "1-8,12"
	PowerParameters string        `yaml:"power_parameters"` // 逗号分隔的 key=value 功率参数串
	ToolTimeout     time.Duration `yaml:"tool_timeout"`
	Development     bool          `yaml:"development"`
}

// EventsConfig 功率封顶事件发布配置
type EventsConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// PowerParameters 控制循环的功率参数
type PowerParameters struct {
	BalanceInterval time.Duration // 两次平衡周期之间的间隔
	CapmcPath       string        // capmc 工具路径
	CapWatts        uint32        // 全局功率预算，0 表示禁用封顶
	DecreaseRate    uint32        // 每周期允许下调的动态范围百分比
	IncreaseRate    uint32        // 每周期允许上调的动态范围百分比
	JobLevelMode    JobLevelMode  // 作业功率平齐模式
	LowerThreshold  uint32        // 低于 cap*pct/100 判定为供给过剩
	UpperThreshold  uint32        // 高于 cap*pct/100 判定为供给不足
	RecentJob       time.Duration // 作业启动后视为"近期变化"的窗口
}

// DefaultPowerParameters 获取默认功率参数
func DefaultPowerParameters() PowerParameters {
	return PowerParameters{
		BalanceInterval: DefaultBalanceInterval,
		CapmcPath:       DefaultCapmcPath,
		CapWatts:        DefaultCapWatts,
		DecreaseRate:    DefaultDecreaseRate,
		IncreaseRate:    DefaultIncreaseRate,
		JobLevelMode:    JobLevelPerJob,
		LowerThreshold:  DefaultLowerThreshold,
		UpperThreshold:  DefaultUpperThreshold,
		RecentJob:       DefaultRecentJob,
	}
}

func (p PowerParameters) String() string {
	levelStr := ""
	if p.JobLevelMode != JobLevelPerJob {
		levelStr = p.JobLevelMode.String() + ","
	}
	return fmt.Sprintf("balance_interval=%d,capmc_path=%s,cap_watts=%d,"+
		"decrease_rate=%d,increase_rate=%d,%slower_threshold=%d,"+
		"recent_job=%d,upper_threshold=%d",
		int(p.BalanceInterval.Seconds()), p.CapmcPath, p.CapWatts,
		p.DecreaseRate, p.IncreaseRate, levelStr, p.LowerThreshold,
		int(p.RecentJob.Seconds()), p.UpperThreshold)
}

// ParsePowerParameters 解析逗号分隔的功率参数串。
// 非法取值回退到默认值并记录错误日志，解析本身永不失败。
func ParsePowerParameters(s string) PowerParameters {
	logger := ComponentLogger("power-config")
	params := DefaultPowerParameters()

	for _, token := range strings.Split(s, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}

		key, value, _ := strings.Cut(token, "=")
		switch key {
		case "balance_interval":
			if secs, err := strconv.Atoi(value); err == nil && secs >= 1 {
				params.BalanceInterval = time.Duration(secs) * time.Second
			} else {
				logger.Error("PowerParameters: balance_interval invalid",
					zap.String("value", value))
			}
		case "capmc_path":
			if value != "" {
				params.CapmcPath = value
			} else {
				logger.Error("PowerParameters: capmc_path invalid",
					zap.String("value", value))
			}
		case "cap_watts":
			if watts, ok := parseWatts(value); ok {
				params.CapWatts = watts
			} else {
				logger.Error("PowerParameters: cap_watts invalid",
					zap.String("value", value))
			}
		case "decrease_rate":
			if rate, err := strconv.Atoi(value); err == nil && rate >= 1 {
				params.DecreaseRate = uint32(rate)
			} else {
				logger.Error("PowerParameters: decrease_rate invalid",
					zap.String("value", value))
			}
		case "increase_rate":
			if rate, err := strconv.Atoi(value); err == nil && rate >= 1 {
				params.IncreaseRate = uint32(rate)
			} else {
				logger.Error("PowerParameters: increase_rate invalid",
					zap.String("value", value))
			}
		case "job_level":
			params.JobLevelMode = JobLevelForce
		case "job_no_level":
			params.JobLevelMode = JobLevelNever
		case "lower_threshold":
			if pct, err := strconv.Atoi(value); err == nil && pct >= 1 {
				params.LowerThreshold = uint32(pct)
			} else {
				logger.Error("PowerParameters: lower_threshold invalid",
					zap.String("value", value))
			}
		case "recent_job":
			if secs, err := strconv.Atoi(value); err == nil && secs >= 1 {
				params.RecentJob = time.Duration(secs) * time.Second
			} else {
				logger.Error("PowerParameters: recent_job invalid",
					zap.String("value", value))
			}
		case "upper_threshold":
			if pct, err := strconv.Atoi(value); err == nil && pct >= 1 {
				params.UpperThreshold = uint32(pct)
			} else {
				logger.Error("PowerParameters: upper_threshold invalid",
					zap.String("value", value))
			}
		}
	}

	return params
}

// parseWatts 解析瓦数值，支持 k/K (千瓦) 与 m/M (兆瓦) 后缀
func parseWatts(value string) (uint32, bool) {
	if value == "" {
		return 0, false
	}

	mult := uint64(1)
	switch value[len(value)-1] {
	case 'k', 'K':
		mult = 1000
		value = value[:len(value)-1]
	case 'm', 'M':
		mult = 1000000
		value = value[:len(value)-1]
	}

	watts, err := strconv.ParseUint(value, 10, 32)
	if err != nil || watts < 1 {
		return 0, false
	}
	return uint32(watts * mult), true
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	return &Config{
		PowerManager: PowerManagerConfig{
			NodeNIDs:        "",
			PowerParameters: "",
			ToolTimeout:     5 * time.Second,
			Development:     false,
		},
		Events: EventsConfig{
			Enabled: false,
			Brokers: []string{"localhost:9092"},
			Topic:   "power-cap-events",
		},
	}
}

// LoadConfig 从YAML文件加载配置，文件缺失的字段保留默认值
func LoadConfig(path string) (*Config, error) {
	config := GetDefaultConfig()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// validate 检查加载后配置的一致性
func (c *Config) validate() error {
	if c.PowerManager.ToolTimeout <= 0 {
		return fmt.Errorf("%w: tool_timeout must be positive", ErrInvalidConfiguration)
	}
	if c.Events.Enabled {
		if len(c.Events.Brokers) == 0 {
			return fmt.Errorf("%w: events enabled without brokers", ErrInvalidConfiguration)
		}
		if c.Events.Topic == "" {
			return fmt.Errorf("%w: events enabled without topic", ErrInvalidConfiguration)
		}
	}
	return nil
}
