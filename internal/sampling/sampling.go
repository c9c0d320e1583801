package sampling

import (
	"fmt"
	"time"

	"egfet-controls/internal/config"
	"egfet-controls/internal/device"
)

// Strategy 定义采样策略接口
// 采样策略负责把源表的原始读数转换为一条上报测量值，并给出稳定性判断
// 实现必须在有界时间内返回，且不得在多次调用之间残留内部状态
type Strategy interface {
	Sample(meter device.SourceMeter) (value float64, stable bool, err error)
}

// ForMode 根据配置的采样模式构造对应的策略
func ForMode(cfg *config.Config) (Strategy, error) {
	interval := time.Duration(cfg.SampleIntervalMs) * time.Millisecond
	switch cfg.SamplingMode {
	case "simple":
		return &SimpleStrategy{Retries: cfg.ReadRetries}, nil
	case "mean":
		return &AveragingStrategy{
			Count:    cfg.SampleCount,
			Interval: interval,
			Retries:  cfg.ReadRetries,
		}, nil
	case "stable":
		return &StableStrategy{
			WindowSize: cfg.SampleCount,
			Interval:   interval,
			Threshold:  cfg.StabilityThreshold,
			WaitBudget: time.Duration(cfg.StabilityWaitMs) * time.Millisecond,
			Retries:    cfg.ReadRetries,
		}, nil
	default:
		return nil, fmt.Errorf("无效的采样模式: %s", cfg.SamplingMode)
	}
}

// readCurrent 读取漏电流，对瞬时读取故障做有限次重试
// 重试耗尽后把最后一次错误原样返回，由调用方按设备请求错误处理
func readCurrent(meter device.SourceMeter, retries int) (float64, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		value, err := meter.MeasureCurrent()
		if err == nil {
			return value, nil
		}
		lastErr = err
	}
	return 0, lastErr
}

// SimpleStrategy 单点采样：读一次，始终视为稳定
type SimpleStrategy struct {
	Retries int
}

func (s *SimpleStrategy) Sample(meter device.SourceMeter) (float64, bool, error) {
	value, err := readCurrent(meter, s.Retries)
	if err != nil {
		return 0, false, err
	}
	return value, true, nil
}

// AveragingStrategy 均值采样：固定间隔读 N 次取算术平均
// 平均不是稳定性检验，因此始终视为稳定
type AveragingStrategy struct {
	Count    int
	Interval time.Duration
	Retries  int
}

func (s *AveragingStrategy) Sample(meter device.SourceMeter) (float64, bool, error) {
	count := s.Count
	if count < 1 {
		count = 1
	}
	sum := 0.0
	for i := 0; i < count; i++ {
		if i > 0 && s.Interval > 0 {
			time.Sleep(s.Interval)
		}
		value, err := readCurrent(meter, s.Retries)
		if err != nil {
			return 0, false, err
		}
		sum += value
	}
	return sum / float64(count), true, nil
}

// StableStrategy 稳定采样：维护最近读数的滑动窗口，窗口极差落在阈值内即视为稳定
// 等待时间预算耗尽仍未稳定时，返回最后一次读数并标记不稳定，由调用方决定如何处置
type StableStrategy struct {
	WindowSize int
	Interval   time.Duration
	Threshold  float64
	WaitBudget time.Duration
	Retries    int
}

// windowSettled 判断窗口内读数的极差是否落在阈值内
func (s *StableStrategy) windowSettled(window []float64, size int) bool {
	if len(window) < size {
		return false
	}
	min, max := window[0], window[0]
	for _, v := range window[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return max-min <= s.Threshold
}

func (s *StableStrategy) Sample(meter device.SourceMeter) (float64, bool, error) {
	size := s.WindowSize
	if size < 2 {
		size = 2
	}

	deadline := time.Now().Add(s.WaitBudget)
	window := make([]float64, 0, size)
	var last float64

	for {
		value, err := readCurrent(meter, s.Retries)
		if err != nil {
			return 0, false, err
		}
		last = value
		if len(window) == size {
			copy(window, window[1:])
			window[size-1] = value
		} else {
			window = append(window, value)
		}

		if s.windowSettled(window, size) {
			return mean(window), true, nil
		}
		if !time.Now().Before(deadline) {
			// 预算耗尽：非致命，交由调用方标记未稳定的数据点
			return last, false, nil
		}
		if s.Interval > 0 {
			time.Sleep(s.Interval)
		}
	}
}

func mean(values []float64) float64 {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
