package experiment

import (
	"fmt"
	"log/slog"
	"time"

	"egfet-controls/internal/config"
	"egfet-controls/internal/connection"
	"egfet-controls/internal/device"
	"egfet-controls/internal/event"
	"egfet-controls/internal/metrics"
	"egfet-controls/internal/sampling"
	"egfet-controls/internal/types"
)

// 协作式触发点的轮询间隔
const triggerPollInterval = 10 * time.Millisecond

// ConfigError 表示配置不合法或不一致，运行不会开始
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("配置错误: %v", e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// sweepHooks 把正向/反向扫描的差异收敛为一组进入/退出钩子
// 两种模式共享同一张状态转移表，只有偏置配置、扫描电压施加对象和步进方向不同
type sweepHooks struct {
	// configureBias 在 idle 状态配置固定偏置和限流
	configureBias func() error
	// applySweepVoltage 把当前步的扫描电压施加到对应的源表上
	applySweepVoltage func(volts float64) error
	// voltageAt 返回第 idx 步的扫描电压，反向模式下步进方向取反
	voltageAt func(idx int) float64
}

// Experiment 顺序扫描实验
// 在监督器的隔离协程内单线程运行，独占设备句柄，通过事件队列对外上报
type Experiment struct {
	cfg     *config.Config
	vds     device.SourceMeter
	vgs     device.SourceMeter
	mux     device.Multiplexer
	conn    connection.Strategy
	sampler sampling.Strategy
	queue   *event.Queue
	ctrl    *Controls
	logger  *slog.Logger

	machine *Machine
	hooks   sweepHooks

	// 扫描状态，全部由本实验实例独占
	cells      []string // 通过筛选规则的单元，顺序即遍历顺序
	vgsIndex   int
	cellIndex  int
	sweepIndex int
	startTime  time.Time

	vgsStable   bool    // 当前栅压步的稳定性结论
	rowRecorded bool    // 本次进入 wait_record 是否成功产生了数据行
	rowsDone    int     // 已记录的数据行数，用于进度上报
	refValue    float64 // 首条记录的漏电流，供校验扫描比对
	refValueSet bool
}

// New 构造一个实验实例
// 单元筛选规则在此求值，非法的表达式按配置错误处理
func New(
	cfg *config.Config,
	vds, vgs device.SourceMeter,
	mux device.Multiplexer,
	conn connection.Strategy,
	sampler sampling.Strategy,
	queue *event.Queue,
	ctrl *Controls,
	logger *slog.Logger,
) (*Experiment, error) {
	cells, err := filterCells(cfg)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}

	e := &Experiment{
		cfg:     cfg,
		vds:     vds,
		vgs:     vgs,
		mux:     mux,
		conn:    conn,
		sampler: sampler,
		queue:   queue,
		ctrl:    ctrl,
		cells:   cells,
		logger:  logger.With("component", "experiment", "experiment", cfg.ExperimentName),
	}
	e.hooks = e.buildHooks()
	e.machine = NewMachine(logger)
	e.bindStates()
	return e, nil
}

// buildHooks 根据扫描方向生成钩子表
func (e *Experiment) buildHooks() sweepHooks {
	cfg := e.cfg
	if !cfg.Reverse {
		// 正向：漏极固定偏置，栅压从起点升到终点
		return sweepHooks{
			configureBias: func() error {
				if err := e.vds.SetVoltage(cfg.DrainVoltage); err != nil {
					return err
				}
				if err := e.vds.SetCurrentLimit(cfg.DrainCurrentLimit); err != nil {
					return err
				}
				return e.vgs.SetCurrentLimit(cfg.GateCurrentLimit)
			},
			applySweepVoltage: func(v float64) error { return e.vgs.SetVoltage(v) },
			voltageAt: func(idx int) float64 {
				return cfg.StartVoltage + float64(idx)*cfg.VoltageStep
			},
		}
	}
	// 反向：漏压配置转作固定栅压偏置，扫描电压施加到漏极，步进方向取反
	return sweepHooks{
		configureBias: func() error {
			if err := e.vgs.SetVoltage(cfg.DrainVoltage); err != nil {
				return err
			}
			if err := e.vds.SetCurrentLimit(cfg.GateCurrentLimit); err != nil {
				return err
			}
			return e.vgs.SetCurrentLimit(cfg.DrainCurrentLimit)
		},
		applySweepVoltage: func(v float64) error { return e.vds.SetVoltage(v) },
		voltageAt: func(idx int) float64 {
			return cfg.EndVoltage - float64(idx)*cfg.VoltageStep
		},
	}
}

// bindStates 把扫描协议的动作绑定到状态机
func (e *Experiment) bindStates() {
	e.machine.OnTransition(func(from, to types.SequentialState) {
		e.queue.Publish(event.Event{Kind: event.StateChanged, State: to, Label: to.Label()})
	})
	e.machine.OnEntry(types.StateWaitStart, e.onEnterWaitStart)
	e.machine.OnEntry(types.StateStabilitySweep, e.onEnterStabilitySweep)
	e.machine.OnEntry(types.StateWaitRecord, e.onEnterWaitRecord)
	e.machine.OnExit(types.StateWaitRecord, e.onExitWaitRecord)
	e.machine.OnEntry(types.StatePause, e.onEnterPause)
	e.machine.OnEntry(types.StateResume, e.onEnterResume)
	e.machine.OnEntry(types.StateVerifySweep, e.onEnterVerifySweep)
	e.machine.OnEntry(types.StateEnd, e.onEnterEnd)
}

// State 返回状态机当前状态
func (e *Experiment) State() types.SequentialState {
	return e.machine.Current()
}

// Indices 返回当前的三个扫描索引 (栅压步, 单元, 轮次)
func (e *Experiment) Indices() (vgs, cell, sweep int) {
	return e.vgsIndex, e.cellIndex, e.sweepIndex
}

// Cells 返回过滤后参与本次运行的单元名称
// 切片下标与数据行中的 cell_index 一一对应
func (e *Experiment) Cells() []string {
	return e.cells
}

// totalRows 返回一次完整运行应产生的数据行数
func (e *Experiment) totalRows() int {
	return len(e.cells) * e.cfg.NumVgsSteps() * e.cfg.NumSweeps
}

// verifyConfig 在进入 wait_start 之前执行
// 重新运行连接策略的拓扑校验，并对照设备上报的安全范围检查限流/电压配置
// 任何失败都会阻止运行开始，此时尚未接触硬件
func (e *Experiment) verifyConfig() error {
	if err := e.cfg.Validate(); err != nil {
		return &ConfigError{Err: err}
	}
	if err := e.conn.Validate(); err != nil {
		return &ConfigError{Err: err}
	}
	for name, meter := range map[string]device.SourceMeter{"vds": e.vds, "vgs": e.vgs} {
		limits := meter.SafeLimits()
		if e.cfg.DrainCurrentLimit > limits.MaxCurrent || e.cfg.GateCurrentLimit > limits.MaxCurrent {
			return &ConfigError{Err: fmt.Errorf("限流配置超出 %s 源表安全范围 %v A", name, limits.MaxCurrent)}
		}
		for _, v := range []float64{e.cfg.DrainVoltage, e.cfg.StartVoltage, e.cfg.EndVoltage} {
			if v > limits.MaxVoltage || v < -limits.MaxVoltage {
				return &ConfigError{Err: fmt.Errorf("电压配置 %v V 超出 %s 源表安全范围 %v V", v, name, limits.MaxVoltage)}
			}
		}
	}
	return nil
}

// Run 执行完整的实验协议，在监督器的隔离协程内调用
// 返回终止状态以及导致提前终止的错误（正常完成时为 nil）
func (e *Experiment) Run() (types.ExitStatus, error) {
	e.logger.Info("实验初始化", "cells", e.cells, "sweeps", e.cfg.NumSweeps, "reverse", e.cfg.Reverse)

	// 进入 wait_start 之前校验配置，失败则运行不开始，此时尚未接触任何硬件
	if err := e.verifyConfig(); err != nil {
		e.queue.Publish(event.Event{Kind: event.Error, ErrKind: event.ErrKindConfig, Message: err.Error()})
		_ = e.machine.Fire(EventShutdown)
		return types.ExitAborted, err
	}

	// idle 是初始状态，不经转移进入，手工执行其动作
	if err := e.onEnterIdle(); err != nil {
		return e.failDevice(err)
	}
	if err := e.machine.Fire(EventActivate); err != nil {
		return e.failDevice(err)
	}

	for !e.machine.Current().Terminal() {
		if e.ctrl.ShutdownRequested() {
			_ = e.machine.Fire(EventShutdown)
			break
		}
		next, wait := e.nextEvent()
		if wait {
			time.Sleep(triggerPollInterval)
			continue
		}
		if err := e.machine.Fire(next); err != nil {
			return e.failDevice(err)
		}
	}

	if e.machine.Current() != types.StateEnd {
		_ = e.machine.Fire(EventShutdown)
	}
	e.logger.Info("实验完成", "rows_done", e.rowsDone)
	return types.ExitCompleted, nil
}

// failDevice 处理对本次运行致命的设备请求错误
// 强制转移到 end（end 动作会断开所有通道作为安全措施），并通过错误通道上报
func (e *Experiment) failDevice(err error) (types.ExitStatus, error) {
	e.logger.Error("设备请求错误，终止本次运行", "error", err)
	e.queue.Publish(event.Event{Kind: event.Error, ErrKind: event.ErrKindDevice, Message: err.Error()})
	if !e.machine.Current().Terminal() {
		_ = e.machine.Fire(EventShutdown)
	}
	return types.ExitAborted, err
}

// nextEvent 根据当前状态和守卫条件决定下一个事件
// 返回 wait=true 表示当前没有可触发的事件，应轮询等待
func (e *Experiment) nextEvent() (Event, bool) {
	switch e.machine.Current() {
	case types.StateWaitStart:
		if e.ctrl.StartRequested() {
			return EventBegin, false
		}
		return "", true

	case types.StateStabilitySweep:
		// 暂停请求在稳定性轮询内部被捕获后走到这里
		if e.ctrl.PauseRequested() {
			return EventPause, false
		}
		return EventStable, false

	case types.StateWaitRecord:
		return EventRecorded, false

	case types.StateCellSweep:
		// 检查点：单元推进顶部
		if e.ctrl.PauseRequested() {
			return EventPause, false
		}
		if e.isExperimentComplete() {
			return EventComplete, false
		}
		if e.isCurrentSweepComplete() {
			return EventNextStep, false
		}
		return EventNextCell, false

	case types.StatePause:
		// pause 的进入动作阻塞到恢复或关停，到这里一定可以恢复
		return EventResume, false

	case types.StateResume:
		if e.machine.Previous() == types.StateCellSweep {
			return EventResumeCell, false
		}
		return EventResumeStability, false

	case types.StateVerifySweep:
		return EventVerified, false
	}
	return "", true
}

// 守卫条件

// isCurrentSweepComplete 当前栅压步的单元是否已全部测完
// 索引在 wait_record 退出时推进，单元索引回绕到 0 即表示本步结束
func (e *Experiment) isCurrentSweepComplete() bool {
	return e.cellIndex == 0
}

// isExperimentComplete 所有轮次是否已全部完成
func (e *Experiment) isExperimentComplete() bool {
	return e.sweepIndex >= e.cfg.NumSweeps
}

// 状态动作

// onEnterIdle 配置源表输出、偏置和限流
func (e *Experiment) onEnterIdle() error {
	e.logger.Debug("初始化源表")
	e.queue.Publish(event.Event{Kind: event.StateChanged, State: types.StateIdle, Label: types.StateIdle.Label()})
	if err := e.vds.ConfigureOutput(device.OutputBinary); err != nil {
		return err
	}
	if err := e.vgs.ConfigureOutput(device.OutputBinary); err != nil {
		return err
	}
	return e.hooks.configureBias()
}

func (e *Experiment) onEnterWaitStart() error {
	e.logger.Debug("等待用户触发开始")
	return nil
}

// onEnterStabilitySweep 施加当前步的扫描电压并等待信号稳定
// 暂停/关停请求在轮询中被协作式采样：进行中的一次采样总是先完成
func (e *Experiment) onEnterStabilitySweep() error {
	volts := e.hooks.voltageAt(e.vgsIndex)
	e.logger.Debug("稳定性扫描", "vgs_index", e.vgsIndex, "volts", volts)
	if err := e.hooks.applySweepVoltage(volts); err != nil {
		return err
	}

	e.vgsStable = false
	// 检查点：进行中的一次采样总是先完成，暂停/关停随后才生效
	if e.ctrl.ShutdownRequested() || e.ctrl.PauseRequested() {
		return nil
	}
	_, stable, err := e.sampler.Sample(e.vds)
	if err != nil {
		return err
	}
	e.vgsStable = stable
	if !stable {
		// 等待预算已在采样策略内部耗尽：非致命，带不稳定标记继续
		e.logger.Warn("稳定性等待超时", "vgs_index", e.vgsIndex)
	}
	return nil
}

// onEnterWaitRecord 接通目标单元并执行记录测量，产生一条数据行
func (e *Experiment) onEnterWaitRecord() error {
	e.rowRecorded = false
	cell := e.cells[e.cellIndex]
	e.logger.Debug("记录测量", "cell", cell, "vgs_index", e.vgsIndex, "sweep_index", e.sweepIndex)

	if err := e.mux.DisconnectAll(); err != nil {
		return err
	}
	if err := e.conn.ConnectCell(cell); err != nil {
		return err
	}

	if e.startTime.IsZero() {
		e.startTime = time.Now()
	}

	sampleStart := time.Now()
	value, sampleStable, err := e.sampler.Sample(e.vds)
	if err != nil {
		return err
	}
	metrics.SampleDuration.Observe(time.Since(sampleStart).Seconds())

	// 数据行记录回读的实际电压，而不是配置值
	vds, err := e.vds.MeasureVoltage()
	if err != nil {
		return err
	}
	vgs, err := e.vgs.MeasureVoltage()
	if err != nil {
		return err
	}
	row := types.CellDataRow{
		Time:         time.Since(e.startTime).Seconds(),
		State:        types.StateWaitRecord,
		VgsIndex:     e.vgsIndex,
		CellIndex:    e.cellIndex,
		SweepIndex:   e.sweepIndex,
		DrainVoltage: vds,
		GateVoltage:  vgs,
		DrainCurrent: value,
		Stable:       e.vgsStable && sampleStable,
	}
	if !e.refValueSet {
		e.refValue = value
		e.refValueSet = true
	}
	e.rowsDone++
	e.rowRecorded = true

	e.queue.Publish(event.Event{Kind: event.DataRow, Row: &row})
	e.queue.Publish(event.Event{Kind: event.Progress, Percent: 100 * float64(e.rowsDone) / float64(e.totalRows())})
	return nil
}

// onExitWaitRecord 推进扫描索引：单元回绕时推进栅压步，栅压回绕时推进轮次
func (e *Experiment) onExitWaitRecord() error {
	if !e.rowRecorded {
		return nil
	}
	e.cellIndex++
	if e.cellIndex >= len(e.cells) {
		e.cellIndex = 0
		e.vgsIndex++
		if e.vgsIndex >= e.cfg.NumVgsSteps() {
			e.vgsIndex = 0
			e.sweepIndex++
		}
	}
	return nil
}

// onEnterPause 阻塞到恢复或关停被触发，索引原样保留
func (e *Experiment) onEnterPause() error {
	e.logger.Info("实验已暂停", "vgs_index", e.vgsIndex, "cell_index", e.cellIndex, "sweep_index", e.sweepIndex)
	for {
		if e.ctrl.ShutdownRequested() || e.ctrl.ResumeRequested() {
			return nil
		}
		time.Sleep(triggerPollInterval)
	}
}

func (e *Experiment) onEnterResume() error {
	e.logger.Info("实验恢复")
	e.ctrl.ClearPauseResume()
	return nil
}

// onEnterVerifySweep 回到扫描起点复测首个单元，确认与首条记录一致
// 漂移超出阈值只产生一个非致命的错误事件，不影响已记录的数据
func (e *Experiment) onEnterVerifySweep() error {
	e.logger.Debug("校验扫描")
	if err := e.hooks.applySweepVoltage(e.hooks.voltageAt(0)); err != nil {
		return err
	}
	if err := e.mux.DisconnectAll(); err != nil {
		return err
	}
	if err := e.conn.ConnectCell(e.cells[0]); err != nil {
		return err
	}
	value, _, err := e.sampler.Sample(e.vds)
	if err != nil {
		return err
	}
	if e.refValueSet {
		drift := value - e.refValue
		if drift < 0 {
			drift = -drift
		}
		if drift > e.cfg.StabilityThreshold {
			e.logger.Warn("校验扫描检测到漂移", "reference", e.refValue, "measured", value)
			e.queue.Publish(event.Event{
				Kind:    event.Error,
				ErrKind: event.ErrKindVerify,
				Message: fmt.Sprintf("校验测量偏离首条记录 %.3e A，超出阈值 %v", drift, e.cfg.StabilityThreshold),
			})
		}
	}
	return nil
}

// onEnterEnd 断开所有通道并把两台源表归零，作为无条件的安全措施
// 这里的设备错误只记录日志，不再上抛
func (e *Experiment) onEnterEnd() error {
	e.logger.Debug("进入终态，执行安全收尾")
	if err := e.mux.DisconnectAll(); err != nil {
		e.logger.Error("收尾断开通道失败", "error", err)
	}
	if err := e.vds.SetVoltage(0); err != nil {
		e.logger.Error("收尾漏极归零失败", "error", err)
	}
	if err := e.vgs.SetVoltage(0); err != nil {
		e.logger.Error("收尾栅极归零失败", "error", err)
	}
	return nil
}
