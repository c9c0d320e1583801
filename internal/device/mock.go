package device

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"egfet-controls/internal/types"
)

// MockSourceMeter 模拟源表，用于无硬件运行和测试
// 电流读数由可注入的信号函数决定，默认对当前电压取 tanh 模拟晶体管转移特性
type MockSourceMeter struct {
	Name string

	mu           sync.Mutex
	voltage      float64
	currentLimit float64
	configured   bool
	readCount    int

	// Signal 将当前电压映射为电流读数，为 nil 时使用默认转移特性
	Signal func(voltage float64, readCount int) float64
	// ReadDelay 模拟一次硬件往返的耗时
	ReadDelay time.Duration
	// FailAfter 大于 0 时，第 N 次操作开始全部返回 RequestError，用于故障注入
	FailAfter int
	opCount   int

	logger *slog.Logger
}

// NewMockSourceMeter 创建一个模拟源表
func NewMockSourceMeter(name string, logger *slog.Logger) *MockSourceMeter {
	return &MockSourceMeter{
		Name:   name,
		logger: logger.With("device", name, "mock", true),
	}
}

// fail 统计操作次数并在达到注入点后返回设备请求错误
func (m *MockSourceMeter) fail(op string) error {
	m.opCount++
	if m.FailAfter > 0 && m.opCount >= m.FailAfter {
		m.logger.Warn("注入设备故障", "op", op, "op_count", m.opCount)
		return &RequestError{Device: m.Name, Op: op}
	}
	return nil
}

func (m *MockSourceMeter) ConfigureOutput(mode OutputMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("configure_output"); err != nil {
		return err
	}
	m.configured = true
	return nil
}

func (m *MockSourceMeter) SetVoltage(volts float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("set_voltage"); err != nil {
		return err
	}
	m.voltage = volts
	return nil
}

func (m *MockSourceMeter) SetCurrentLimit(amps float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("set_current_limit"); err != nil {
		return err
	}
	m.currentLimit = amps
	return nil
}

func (m *MockSourceMeter) MeasureCurrent() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("measure_current"); err != nil {
		return 0, err
	}
	if m.ReadDelay > 0 {
		time.Sleep(m.ReadDelay)
	}
	m.readCount++
	if m.Signal != nil {
		return m.Signal(m.voltage, m.readCount), nil
	}
	// 默认转移特性：随栅压平滑上升的漏电流，毫安量级
	return 1e-3 * math.Tanh(m.voltage), nil
}

func (m *MockSourceMeter) MeasureVoltage() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("measure_voltage"); err != nil {
		return 0, err
	}
	return m.voltage, nil
}

func (m *MockSourceMeter) SafeLimits() SafeLimits {
	return SafeLimits{MaxVoltage: 20, MaxCurrent: 0.1}
}

func (m *MockSourceMeter) DeviceInfo() map[string]string {
	return map[string]string{"name": m.Name, "device": "Mock Source Meter"}
}

// Voltage 返回当前设定电压，供测试断言使用
func (m *MockSourceMeter) Voltage() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.voltage
}

// MockMultiplexer 模拟多路复用器
// 按拓扑表生成通道集合，并记录当前接通的通道用于断言
type MockMultiplexer struct {
	Name string

	mu        sync.Mutex
	topology  string
	channels  map[types.ChannelID]bool
	connected map[types.ChannelID]bool

	// FailAfter 大于 0 时，第 N 次操作开始全部返回 RequestError
	FailAfter int
	opCount   int

	logger *slog.Logger
}

// NewMockMultiplexer 创建一个模拟多路复用器
// 拓扑无效时 Channels 返回空集合，连接任何通道都会失败
func NewMockMultiplexer(name, topology string, logger *slog.Logger) *MockMultiplexer {
	channels := make(map[types.ChannelID]bool)
	for _, ch := range TopologyChannels(topology) {
		channels[ch] = true
	}
	return &MockMultiplexer{
		Name:      name,
		topology:  topology,
		channels:  channels,
		connected: make(map[types.ChannelID]bool),
		logger:    logger.With("device", name, "mock", true),
	}
}

func (m *MockMultiplexer) fail(op string) error {
	m.opCount++
	if m.FailAfter > 0 && m.opCount >= m.FailAfter {
		m.logger.Warn("注入设备故障", "op", op, "op_count", m.opCount)
		return &RequestError{Device: m.Name, Op: op}
	}
	return nil
}

func (m *MockMultiplexer) Connect(ch types.ChannelID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("connect"); err != nil {
		return err
	}
	if !m.channels[ch] {
		return &RequestError{Device: m.Name, Op: "connect " + string(ch)}
	}
	m.connected[ch] = true
	return nil
}

func (m *MockMultiplexer) Disconnect(ch types.ChannelID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("disconnect"); err != nil {
		return err
	}
	if !m.channels[ch] {
		return &RequestError{Device: m.Name, Op: "disconnect " + string(ch)}
	}
	delete(m.connected, ch)
	return nil
}

func (m *MockMultiplexer) DisconnectAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("disconnect_all"); err != nil {
		return err
	}
	m.connected = make(map[types.ChannelID]bool)
	return nil
}

func (m *MockMultiplexer) Channels() []types.ChannelID {
	m.mu.Lock()
	defer m.mu.Unlock()
	channels := make([]types.ChannelID, 0, len(m.channels))
	for ch := range m.channels {
		channels = append(channels, ch)
	}
	return channels
}

func (m *MockMultiplexer) Topology() string {
	return m.topology
}

func (m *MockMultiplexer) ValidTopologies() []string {
	return ValidTopologies()
}

// Connected 返回当前接通的通道集合快照，供测试断言使用
func (m *MockMultiplexer) Connected() []types.ChannelID {
	m.mu.Lock()
	defer m.mu.Unlock()
	connected := make([]types.ChannelID, 0, len(m.connected))
	for ch := range m.connected {
		connected = append(connected, ch)
	}
	return connected
}
