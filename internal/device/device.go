package device

import (
	"fmt"

	"egfet-controls/internal/types"
)

// RequestError 表示与仪器通信失败
// 扫描过程中出现该错误时对本次运行是致命的，电压/电流安全无法继续保证
type RequestError struct {
	Device string // 发生错误的设备名称
	Op     string // 失败的操作
	Err    error  // 底层错误（可选）
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("设备请求错误 [%s] %s: %v", e.Device, e.Op, e.Err)
	}
	return fmt.Sprintf("设备请求错误 [%s] %s", e.Device, e.Op)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// OutputMode 定义源表输出的数据格式
type OutputMode string

const (
	OutputBinary OutputMode = "binary" // 32 位 IEEE 754 二进制格式
	OutputASCII  OutputMode = "ascii"
)

// SafeLimits 描述设备上报的安全工作范围
// verify_config 在任何硬件动作之前用它检查配置的限流/电压
type SafeLimits struct {
	MaxVoltage float64 // 最大输出电压 (V)
	MaxCurrent float64 // 最大输出电流 (A)
}

// SourceMeter 定义源表的能力契约
// 由硬件驱动或测试替身实现，通信失败时返回 *RequestError
type SourceMeter interface {
	ConfigureOutput(mode OutputMode) error
	SetVoltage(volts float64) error
	SetCurrentLimit(amps float64) error
	MeasureCurrent() (float64, error)
	MeasureVoltage() (float64, error)
	SafeLimits() SafeLimits
	DeviceInfo() map[string]string
}

// Multiplexer 定义多路复用器的能力契约
// 请求当前拓扑之外的通道时返回 *RequestError
type Multiplexer interface {
	Connect(ch types.ChannelID) error
	Disconnect(ch types.ChannelID) error
	DisconnectAll() error
	Channels() []types.ChannelID
	Topology() string
	ValidTopologies() []string
}

// NI 2524 系列多路复用器的有效拓扑及各自的分组数
// 2524 是 128 通道的开关卡，拓扑决定通道如何划分到各公共端
var topologyBanks = map[string]int{
	"2524/1-Wire 128x1 Mux":       1,
	"2524/1-Wire Dual 64x1 Mux":   2,
	"2524/1-Wire Quad 32x1 Mux":   4,
	"2524/1-Wire Octal 16x1 Mux":  8,
	"2524/1-Wire Sixteen 8x1 Mux": 16,
}

const muxChannelCount = 128

// ValidTopologies 返回受支持的拓扑名称
func ValidTopologies() []string {
	return []string{
		"2524/1-Wire 128x1 Mux",
		"2524/1-Wire Dual 64x1 Mux",
		"2524/1-Wire Quad 32x1 Mux",
		"2524/1-Wire Octal 16x1 Mux",
		"2524/1-Wire Sixteen 8x1 Mux",
	}
}

// TopologyChannels 返回指定拓扑下的全部通道
// 通道命名规则: 单元通道 ch0..ch127，公共端 com0..com{banks-1}，外部参考公共端 com8
// 未知拓扑返回 nil，调用方应将其视为配置错误
func TopologyChannels(topology string) []types.ChannelID {
	banks, ok := topologyBanks[topology]
	if !ok {
		return nil
	}
	channels := make([]types.ChannelID, 0, muxChannelCount+banks+1)
	for i := 0; i < muxChannelCount; i++ {
		channels = append(channels, types.ChannelID(fmt.Sprintf("ch%d", i)))
	}
	for i := 0; i < banks; i++ {
		channels = append(channels, types.ChannelID(fmt.Sprintf("com%d", i)))
	}
	// com8 保留给外部参考电极的公共端，分组数不足 9 时单独补上
	if banks <= 8 {
		channels = append(channels, "com8")
	}
	return channels
}
