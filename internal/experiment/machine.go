package experiment

import (
	"fmt"
	"log/slog"

	"egfet-controls/internal/types"
)

// Event 定义状态机的事件类型
type Event string

const (
	EventActivate        Event = "ACTIVATE"         // idle -> wait_start (verify_config 通过后)
	EventBegin           Event = "BEGIN"            // wait_start -> stability_sweep (用户触发)
	EventStable          Event = "STABLE"           // stability_sweep -> wait_record
	EventRecorded        Event = "RECORDED"         // wait_record -> cell_sweep
	EventNextCell        Event = "NEXT_CELL"        // cell_sweep -> wait_record (本步还有单元)
	EventNextStep        Event = "NEXT_STEP"        // cell_sweep -> stability_sweep (下一个栅压步)
	EventComplete        Event = "COMPLETE"         // cell_sweep -> verify_sweep
	EventVerified        Event = "VERIFIED"         // verify_sweep -> end
	EventPause           Event = "PAUSE"            // stability_sweep/cell_sweep -> pause
	EventResume          Event = "RESUME"           // pause -> resume
	EventResumeStability Event = "RESUME_STABILITY" // resume -> stability_sweep
	EventResumeCell      Event = "RESUME_CELL"      // resume -> cell_sweep
	EventShutdown        Event = "SHUTDOWN"         // 任意非终态 -> end
)

// Machine 实验状态机
// 状态图本身是静态的，扫描协议的动作通过进入/退出回调绑定到各状态上
type Machine struct {
	current  types.SequentialState
	previous types.SequentialState
	// transitions 定义状态转移表: CurrentState -> Event -> NextState
	transitions map[types.SequentialState]map[Event]types.SequentialState
	// entry/exit 定义状态进入与退出时的回调
	entry map[types.SequentialState]func() error
	exit  map[types.SequentialState]func() error
	// onTransition 在每次成功转移后调用，用于对外发布状态变更
	onTransition func(from, to types.SequentialState)
	logger       *slog.Logger
}

// NewMachine 创建实验状态机，初始状态为 idle，终态为 end
func NewMachine(logger *slog.Logger) *Machine {
	m := &Machine{
		current:     types.StateIdle,
		transitions: make(map[types.SequentialState]map[Event]types.SequentialState),
		entry:       make(map[types.SequentialState]func() error),
		exit:        make(map[types.SequentialState]func() error),
		logger:      logger.With("component", "machine"),
	}
	m.initTransitions()
	return m
}

func (m *Machine) initTransitions() {
	m.addTransition(types.StateIdle, EventActivate, types.StateWaitStart)
	m.addTransition(types.StateWaitStart, EventBegin, types.StateStabilitySweep)
	m.addTransition(types.StateStabilitySweep, EventStable, types.StateWaitRecord)
	m.addTransition(types.StateWaitRecord, EventRecorded, types.StateCellSweep)
	m.addTransition(types.StateCellSweep, EventNextCell, types.StateWaitRecord)
	m.addTransition(types.StateCellSweep, EventNextStep, types.StateStabilitySweep)
	m.addTransition(types.StateCellSweep, EventComplete, types.StateVerifySweep)
	m.addTransition(types.StateVerifySweep, EventVerified, types.StateEnd)

	// 暂停/恢复：只在稳定性扫描和单元推进的检查点生效
	m.addTransition(types.StateStabilitySweep, EventPause, types.StatePause)
	m.addTransition(types.StateCellSweep, EventPause, types.StatePause)
	m.addTransition(types.StatePause, EventResume, types.StateResume)
	m.addTransition(types.StateResume, EventResumeStability, types.StateStabilitySweep)
	m.addTransition(types.StateResume, EventResumeCell, types.StateCellSweep)

	// 任意非终态都可以被关停
	for _, s := range []types.SequentialState{
		types.StateIdle,
		types.StateWaitStart,
		types.StateStabilitySweep,
		types.StateWaitRecord,
		types.StateCellSweep,
		types.StateVerifySweep,
		types.StatePause,
		types.StateResume,
	} {
		m.addTransition(s, EventShutdown, types.StateEnd)
	}
}

func (m *Machine) addTransition(from types.SequentialState, event Event, to types.SequentialState) {
	if _, ok := m.transitions[from]; !ok {
		m.transitions[from] = make(map[Event]types.SequentialState)
	}
	m.transitions[from][event] = to
}

// OnEntry 注册状态进入时的回调
func (m *Machine) OnEntry(state types.SequentialState, callback func() error) {
	m.entry[state] = callback
}

// OnExit 注册状态退出时的回调
func (m *Machine) OnExit(state types.SequentialState, callback func() error) {
	m.exit[state] = callback
}

// OnTransition 注册转移完成后的钩子
func (m *Machine) OnTransition(hook func(from, to types.SequentialState)) {
	m.onTransition = hook
}

// Current 返回当前状态
func (m *Machine) Current() types.SequentialState {
	return m.current
}

// Previous 返回暂停之前保持的状态
// 从 pause/resume 转移不会覆盖它，保证恢复后回到暂停前的轨迹
func (m *Machine) Previous() types.SequentialState {
	return m.previous
}

// Fire 触发事件
// 回调在调用方协程内同步执行，回调返回的错误原样上抛，由运行循环决定是否致命
func (m *Machine) Fire(event Event) error {
	next, ok := m.transitions[m.current][event]
	if !ok {
		return fmt.Errorf("无效的状态转移: 状态 %s 不能触发事件 %s", m.current, event)
	}

	if cb, exists := m.exit[m.current]; exists {
		if err := cb(); err != nil {
			return err
		}
	}

	prev := m.current
	// 暂停链路上的转移不覆盖 previous，恢复时才能找回暂停前的状态
	if prev != types.StatePause && prev != types.StateResume {
		m.previous = prev
	}
	m.current = next

	m.logger.Debug("状态转移", "from", prev, "to", next, "event", event)
	if m.onTransition != nil {
		m.onTransition(prev, next)
	}

	if cb, exists := m.entry[next]; exists {
		if err := cb(); err != nil {
			return err
		}
	}
	return nil
}
