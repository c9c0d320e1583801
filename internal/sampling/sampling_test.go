package sampling

import (
	"math"
	"testing"
	"time"

	"egfet-controls/internal/config"
	"egfet-controls/internal/device"
)

// stubMeter 按预置序列回放电流读数，序列耗尽后重复最后一个值
// failFirst 大于 0 时前 N 次读取返回瞬时设备错误，用于验证重试
type stubMeter struct {
	readings  []float64
	idx       int
	failFirst int
	reads     int
}

func (m *stubMeter) MeasureCurrent() (float64, error) {
	m.reads++
	if m.failFirst > 0 {
		m.failFirst--
		return 0, &device.RequestError{Device: "stub", Op: "measure_current"}
	}
	if len(m.readings) == 0 {
		return 0, nil
	}
	v := m.readings[m.idx]
	if m.idx < len(m.readings)-1 {
		m.idx++
	}
	return v, nil
}

func (m *stubMeter) ConfigureOutput(device.OutputMode) error { return nil }
func (m *stubMeter) SetVoltage(float64) error                { return nil }
func (m *stubMeter) SetCurrentLimit(float64) error           { return nil }
func (m *stubMeter) MeasureVoltage() (float64, error)        { return 0, nil }
func (m *stubMeter) SafeLimits() device.SafeLimits {
	return device.SafeLimits{MaxVoltage: 20, MaxCurrent: 0.1}
}
func (m *stubMeter) DeviceInfo() map[string]string { return map[string]string{"name": "stub"} }

func TestForMode(t *testing.T) {
	cfg := &config.Config{SamplingMode: "simple"}
	if _, err := ForMode(cfg); err != nil {
		t.Fatalf("simple 模式应当可用: %v", err)
	}
	cfg.SamplingMode = "mean"
	if s, err := ForMode(cfg); err != nil {
		t.Fatalf("mean 模式应当可用: %v", err)
	} else if _, ok := s.(*AveragingStrategy); !ok {
		t.Fatalf("mean 模式应当返回均值策略, 得到 %T", s)
	}
	cfg.SamplingMode = "stable"
	if s, err := ForMode(cfg); err != nil {
		t.Fatalf("stable 模式应当可用: %v", err)
	} else if _, ok := s.(*StableStrategy); !ok {
		t.Fatalf("stable 模式应当返回稳定策略, 得到 %T", s)
	}
	cfg.SamplingMode = "median"
	if _, err := ForMode(cfg); err == nil {
		t.Fatal("未知采样模式应当返回错误")
	}
}

func TestSimpleStrategy(t *testing.T) {
	meter := &stubMeter{readings: []float64{1.5e-3}}
	s := &SimpleStrategy{Retries: 0}
	value, stable, err := s.Sample(meter)
	if err != nil {
		t.Fatalf("采样失败: %v", err)
	}
	if !stable {
		t.Error("单点采样应当始终视为稳定")
	}
	if value != 1.5e-3 {
		t.Errorf("读数错误: 得到 %v", value)
	}
}

func TestSimpleStrategyRetriesTransientFailure(t *testing.T) {
	meter := &stubMeter{readings: []float64{2e-3}, failFirst: 2}
	s := &SimpleStrategy{Retries: 3}
	value, _, err := s.Sample(meter)
	if err != nil {
		t.Fatalf("瞬时故障应当被重试吸收: %v", err)
	}
	if value != 2e-3 {
		t.Errorf("重试后应当返回成功读数, 得到 %v", value)
	}
}

func TestSimpleStrategyExhaustsRetries(t *testing.T) {
	meter := &stubMeter{readings: []float64{1e-3}, failFirst: 10}
	s := &SimpleStrategy{Retries: 2}
	if _, _, err := s.Sample(meter); err == nil {
		t.Fatal("重试耗尽后应当返回设备错误")
	}
	// 1 次初始读取加 2 次重试
	if meter.reads != 3 {
		t.Errorf("读取次数错误: 得到 %d, 期望 3", meter.reads)
	}
}

func TestAveragingStrategy(t *testing.T) {
	meter := &stubMeter{readings: []float64{1e-3, 2e-3, 3e-3}}
	s := &AveragingStrategy{Count: 3, Interval: 0, Retries: 0}
	value, stable, err := s.Sample(meter)
	if err != nil {
		t.Fatalf("采样失败: %v", err)
	}
	if !stable {
		t.Error("均值采样应当始终视为稳定")
	}
	if math.Abs(value-2e-3) > 1e-12 {
		t.Errorf("均值错误: 得到 %v, 期望 2e-3", value)
	}
}

func TestStableStrategySettles(t *testing.T) {
	// 前两个读数偏离，随后收敛到 0.20 附近
	meter := &stubMeter{readings: []float64{1.0, 0.5, 0.20, 0.21, 0.22, 0.21}}
	s := &StableStrategy{
		WindowSize: 3,
		Interval:   0,
		Threshold:  0.05,
		WaitBudget: time.Second,
		Retries:    0,
	}
	value, stable, err := s.Sample(meter)
	if err != nil {
		t.Fatalf("采样失败: %v", err)
	}
	if !stable {
		t.Fatal("收敛序列应当被判定为稳定")
	}
	// 稳定窗口 [0.20 0.21 0.22] 的均值
	if math.Abs(value-0.21) > 1e-9 {
		t.Errorf("稳定值错误: 得到 %v, 期望 0.21", value)
	}
}

func TestStableStrategyTimesOut(t *testing.T) {
	// 在 0 和 1 之间振荡，永远不会落入阈值窗口
	meter := &stubMeter{readings: []float64{0, 1, 0, 1, 0, 1}}
	s := &StableStrategy{
		WindowSize: 3,
		Interval:   time.Millisecond,
		Threshold:  0.01,
		WaitBudget: 30 * time.Millisecond,
		Retries:    0,
	}
	value, stable, err := s.Sample(meter)
	if err != nil {
		t.Fatalf("超时不是错误: %v", err)
	}
	if stable {
		t.Fatal("振荡序列不应当被判定为稳定")
	}
	// 超时返回最后一次读数
	if value != 0 && value != 1 {
		t.Errorf("超时后应当返回最后一次读数, 得到 %v", value)
	}
}
