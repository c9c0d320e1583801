package experiment

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"egfet-controls/internal/event"
	"egfet-controls/internal/types"
)

// Controls 是监督器与实验运行协程之间的协作式触发器集合
// 状态机只在明确定义的检查点采样这些标志，测量中途不会被抢占
type Controls struct {
	start    atomic.Bool
	pause    atomic.Bool
	resume   atomic.Bool
	shutdown atomic.Bool
}

// NewControls 创建一组触发器
func NewControls() *Controls {
	return &Controls{}
}

func (c *Controls) RequestStart()    { c.start.Store(true) }
func (c *Controls) RequestPause()    { c.pause.Store(true) }
func (c *Controls) RequestResume()   { c.resume.Store(true) }
func (c *Controls) RequestShutdown() { c.shutdown.Store(true) }

func (c *Controls) StartRequested() bool    { return c.start.Load() }
func (c *Controls) PauseRequested() bool    { return c.pause.Load() }
func (c *Controls) ResumeRequested() bool   { return c.resume.Load() }
func (c *Controls) ShutdownRequested() bool { return c.shutdown.Load() }

// ClearPauseResume 在恢复完成后清除暂停/恢复标志
func (c *Controls) ClearPauseResume() {
	c.pause.Store(false)
	c.resume.Store(false)
}

// Reset 清除全部触发器，在新一次运行启动前调用
func (c *Controls) Reset() {
	c.start.Store(false)
	c.pause.Store(false)
	c.resume.Store(false)
	c.shutdown.Store(false)
}

// Result 是一次运行结束后的类型化退出结果
type Result struct {
	Status types.ExitStatus
	Err    error
}

// ErrAlreadyRunning 当一个监督器上已有活动运行时再次 Start 返回
var ErrAlreadyRunning = fmt.Errorf("实验已在运行中，不支持排队")

// Supervisor 在隔离的协程内运行一个实验状态机实例
// 长时间阻塞的硬件轮询和实验内部的崩溃都被限制在该协程内，
// 不会波及控制方；崩溃被恢复后作为类型化结果上报
type Supervisor struct {
	queue  *event.Queue
	ctrl   *Controls
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
	result  *Result
}

// NewSupervisor 创建一个监督器
// 每个监督器实例同一时刻至多允许一个活动运行
func NewSupervisor(queue *event.Queue, ctrl *Controls, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		queue:  queue,
		ctrl:   ctrl,
		logger: logger.With("component", "supervisor"),
	}
}

// Start 在隔离协程内启动实验并触发用户开始信号
// 已有活动运行时返回 ErrAlreadyRunning 而不是排队
func (s *Supervisor) Start(exp *Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true
	s.result = nil
	s.done = make(chan struct{})
	s.ctrl.Reset()

	done := s.done
	go func() {
		defer close(done)
		defer func() {
			// 运行上下文崩溃：恢复并作为类型化的终止结果上报
			if r := recover(); r != nil {
				err := fmt.Errorf("运行上下文崩溃: %v", r)
				s.logger.Error("实验协程崩溃", "panic", r)
				s.queue.Publish(event.Event{Kind: event.Error, ErrKind: event.ErrKindRuntime, Message: err.Error()})
				s.finish(&Result{Status: types.ExitPanicked, Err: err})
			}
		}()

		status, err := exp.Run()
		s.finish(&Result{Status: status, Err: err})
	}()

	s.ctrl.RequestStart()
	s.logger.Info("实验运行已启动")
	return nil
}

// finish 记录运行结果并释放活动槽位
func (s *Supervisor) finish(r *Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		s.result = r
	}
	s.running = false
}

// Pause 请求暂停，状态机在下一个检查点进入 pause
func (s *Supervisor) Pause() {
	s.ctrl.RequestPause()
}

// Resume 请求从暂停恢复
func (s *Supervisor) Resume() {
	s.ctrl.RequestResume()
}

// Stop 优雅停止：设置关停触发器并等待状态机走到 end
// 等待上界约为一次测量往返加一个轮询间隔；超时返回错误，调用方可选择 Kill
func (s *Supervisor) Stop(timeout time.Duration) error {
	s.ctrl.RequestShutdown()
	if err := s.Join(timeout); err != nil {
		return fmt.Errorf("优雅停止超时: %w", err)
	}
	return nil
}

// Kill 强制终止：放弃对运行协程的等待并立即记录退出状态
// 只应在 Stop 超时后使用；进行中的测量不再有任何保证
func (s *Supervisor) Kill() {
	s.ctrl.RequestShutdown()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.logger.Warn("强制终止实验运行")
		s.result = &Result{Status: types.ExitKilled, Err: fmt.Errorf("运行被强制终止")}
		s.running = false
	}
}

// Join 等待运行协程退出，超时返回错误
func (s *Supervisor) Join(timeout time.Duration) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("等待实验协程退出超时 (%v)", timeout)
	}
}

// IsAlive 返回是否有活动运行
func (s *Supervisor) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ExitStatus 返回最近一次运行的退出结果，尚未结束时返回 nil
func (s *Supervisor) ExitStatus() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}
