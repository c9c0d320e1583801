package config

import (
	"fmt"
	"math"

	"egfet-controls/internal/types"

	"github.com/spf13/viper"
)

// Config 定义一次实验的全部参数
// 运行开始前构造一次，运行期间只读共享，所有组件通过显式引用获取
type Config struct {
	ExperimentName string `mapstructure:"experiment_name"` // 实验名称，用于数据文件命名
	DataRoot       string `mapstructure:"data_root"`       // 数据文件输出目录
	Prefix         string `mapstructure:"prefix"`          // 数据文件名前缀（可选）
	Suffix         string `mapstructure:"suffix"`          // 数据文件名后缀（可选）

	VdsAddress  string `mapstructure:"vds_address"`  // 漏极源表地址
	VgsAddress  string `mapstructure:"vgs_address"`  // 栅极源表地址
	MuxAddress  string `mapstructure:"mux_address"`  // 多路复用器地址
	MuxTopology string `mapstructure:"mux_topology"` // 多路复用器拓扑名称

	DrainVoltage      float64 `mapstructure:"drain_voltage"`       // 固定漏极偏置电压 (V)
	StartVoltage      float64 `mapstructure:"start_voltage"`       // 栅压扫描起点 (V)
	EndVoltage        float64 `mapstructure:"end_voltage"`         // 栅压扫描终点 (V)
	VoltageStep       float64 `mapstructure:"voltage_step"`        // 栅压步进 (V)，必须整除扫描范围
	NumSweeps         int     `mapstructure:"num_sweeps"`          // 扫描重复轮数
	DrainCurrentLimit float64 `mapstructure:"drain_current_limit"` // 漏极限流 (A)
	GateCurrentLimit  float64 `mapstructure:"gate_current_limit"`  // 栅极限流 (A)
	Reverse           bool    `mapstructure:"reverse"`             // 反向扫描模式

	SamplingMode       string  `mapstructure:"sampling_mode"`       // 采样模式: simple / mean / stable
	SampleIntervalMs   int     `mapstructure:"sample_interval_ms"`  // 采样轮询间隔
	SampleCount        int     `mapstructure:"sample_count"`        // mean 模式的采样次数 / stable 模式的窗口大小
	ReadRetries        int     `mapstructure:"read_retries"`        // 瞬时读取故障的重试次数
	StabilityThreshold float64 `mapstructure:"stability_threshold"` // 稳定性判据阈值
	StabilityWaitMs    int     `mapstructure:"stability_wait_ms"`   // 稳定性等待时间预算

	CellNames               []string                   `mapstructure:"cell_names"`                // 参与扫描的单元名称，顺序即遍历顺序
	CellChannelMapping      map[string]types.ChannelID `mapstructure:"cell_channel_mapping"`      // 单元名称 -> 多路复用器通道
	ReferenceChannelMapping map[string]types.ChannelID `mapstructure:"reference_channel_mapping"` // 单元名称 -> 外部参考通道
	CellFilter              string                     `mapstructure:"cell_filter"`               // 单元筛选规则表达式 (expr 语法)，为空则全部参与
}

// LoadConfig 从 config.yaml 文件加载配置
// 使用 Viper 库来读取和解析配置文件
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(path)

	// 设置默认值
	v.SetDefault("experiment_name", "Experiment")
	v.SetDefault("num_sweeps", 1)
	v.SetDefault("sampling_mode", "simple")
	v.SetDefault("sample_interval_ms", 100)
	v.SetDefault("sample_count", 10)
	v.SetDefault("read_retries", 3)
	v.SetDefault("stability_threshold", 0.01)
	v.SetDefault("stability_wait_ms", 10000)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	return &cfg, nil
}

// Save 将配置写回 config.yaml，供下次运行复用
func (c *Config) Save(path string) error {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(path)

	v.Set("experiment_name", c.ExperimentName)
	v.Set("data_root", c.DataRoot)
	v.Set("prefix", c.Prefix)
	v.Set("suffix", c.Suffix)
	v.Set("vds_address", c.VdsAddress)
	v.Set("vgs_address", c.VgsAddress)
	v.Set("mux_address", c.MuxAddress)
	v.Set("mux_topology", c.MuxTopology)
	v.Set("drain_voltage", c.DrainVoltage)
	v.Set("start_voltage", c.StartVoltage)
	v.Set("end_voltage", c.EndVoltage)
	v.Set("voltage_step", c.VoltageStep)
	v.Set("num_sweeps", c.NumSweeps)
	v.Set("drain_current_limit", c.DrainCurrentLimit)
	v.Set("gate_current_limit", c.GateCurrentLimit)
	v.Set("reverse", c.Reverse)
	v.Set("sampling_mode", c.SamplingMode)
	v.Set("sample_interval_ms", c.SampleIntervalMs)
	v.Set("sample_count", c.SampleCount)
	v.Set("read_retries", c.ReadRetries)
	v.Set("stability_threshold", c.StabilityThreshold)
	v.Set("stability_wait_ms", c.StabilityWaitMs)
	v.Set("cell_names", c.CellNames)
	v.Set("cell_channel_mapping", c.CellChannelMapping)
	v.Set("reference_channel_mapping", c.ReferenceChannelMapping)
	v.Set("cell_filter", c.CellFilter)

	if err := v.WriteConfigAs(path + "/config.yaml"); err != nil {
		return fmt.Errorf("保存配置文件失败: %w", err)
	}
	return nil
}

// NumVgsSteps 返回一轮扫描包含的栅压步数（含起止点）
func (c *Config) NumVgsSteps() int {
	if c.VoltageStep <= 0 {
		return 0
	}
	return int(math.Round((c.EndVoltage-c.StartVoltage)/c.VoltageStep)) + 1
}

// Validate 检查配置的结构性约束
// 通道与拓扑的匹配由连接策略的 Validate 负责，此处只做与硬件无关的检查
func (c *Config) Validate() error {
	if c.VoltageStep <= 0 {
		return fmt.Errorf("电压步进必须为正数，得到 %v", c.VoltageStep)
	}
	if c.EndVoltage <= c.StartVoltage {
		return fmt.Errorf("终点电压 %v 必须大于起点电压 %v", c.EndVoltage, c.StartVoltage)
	}
	// 步进必须整除扫描范围，允许浮点容差
	span := c.EndVoltage - c.StartVoltage
	steps := span / c.VoltageStep
	if math.Abs(steps-math.Round(steps)) > 1e-9 {
		return fmt.Errorf("电压步进 %v 无法整除扫描范围 %v", c.VoltageStep, span)
	}
	if c.NumSweeps < 1 {
		return fmt.Errorf("扫描轮数必须至少为 1，得到 %d", c.NumSweeps)
	}
	if c.DrainCurrentLimit <= 0 || c.GateCurrentLimit <= 0 {
		return fmt.Errorf("限流值必须为正数")
	}
	if len(c.CellNames) == 0 {
		return fmt.Errorf("至少需要一个单元")
	}
	seen := make(map[string]bool, len(c.CellNames))
	for _, name := range c.CellNames {
		if seen[name] {
			return fmt.Errorf("单元名称重复: %s", name)
		}
		seen[name] = true
		if _, ok := c.CellChannelMapping[name]; !ok {
			return fmt.Errorf("单元 %s 缺少通道映射", name)
		}
	}
	switch c.SamplingMode {
	case "simple", "mean", "stable":
	default:
		return fmt.Errorf("无效的采样模式: %s", c.SamplingMode)
	}
	return nil
}
