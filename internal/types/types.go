package types

// ChannelID 定义多路复用器通道 ID
// 使用字符串类型，方便在日志和配置中直接使用 (e.g. "ch12", "com0")
type ChannelID string

// SequentialState 定义实验状态机的状态
type SequentialState string

const (
	// 顺序扫描实验状态常量定义
	StateIdle           SequentialState = "IDLE"            // 初始化：配置源表输出和限流
	StateWaitStart      SequentialState = "WAIT_START"      // 等待用户触发开始
	StatePause          SequentialState = "PAUSE"           // 暂停：保留扫描索引
	StateResume         SequentialState = "RESUME"          // 恢复：回到暂停前的状态
	StateStabilitySweep SequentialState = "STABILITY_SWEEP" // 稳定性扫描：等待栅极电压稳定
	StateWaitRecord     SequentialState = "WAIT_RECORD"     // 记录测量：接通目标单元并采样
	StateCellSweep      SequentialState = "CELL_SWEEP"      // 单元推进：推进单元/电压/扫描索引
	StateVerifySweep    SequentialState = "VERIFY_SWEEP"    // 校验扫描：复测参考点确认一致性
	StateEnd            SequentialState = "END"             // 终态：断开所有通道并归零电压
)

// Label 返回面向观察者的可读状态描述
func (s SequentialState) Label() string {
	switch s {
	case StateIdle:
		return "空闲"
	case StateWaitStart:
		return "等待开始"
	case StatePause:
		return "已暂停"
	case StateResume:
		return "恢复中"
	case StateStabilitySweep:
		return "稳定性扫描中，请稍候"
	case StateWaitRecord:
		return "记录测量中"
	case StateCellSweep:
		return "单元扫描中"
	case StateVerifySweep:
		return "校验扫描中"
	case StateEnd:
		return "已结束"
	default:
		return string(s)
	}
}

// Terminal 判断是否为终态
func (s SequentialState) Terminal() bool {
	return s == StateEnd
}

// CellDataRow 表示一次完成的测量记录
// 每次测量仅产生一条，产生后不再修改
type CellDataRow struct {
	Time         float64         `json:"time"`          // 距扫描起点的秒数
	State        SequentialState `json:"state"`         // 产生该记录时的状态
	VgsIndex     int             `json:"vgs_index"`     // 栅压步进索引
	CellIndex    int             `json:"cell_index"`    // 单元索引
	SweepIndex   int             `json:"sweep_index"`   // 扫描轮次索引
	DrainVoltage float64         `json:"drain_voltage"` // 漏极电压 (V)
	GateVoltage  float64         `json:"gate_voltage"`  // 栅极电压 (V)
	DrainCurrent float64         `json:"drain_current"` // 漏极电流 (A)
	Stable       bool            `json:"stable"`        // 采样是否在稳定窗口内完成
}

// Header 返回 CSV 记录的表头，顺序与 DataAsList 对应
func (CellDataRow) Header() []string {
	return []string{
		"time",
		"state",
		"vgs_index",
		"cell_index",
		"sweep_index",
		"drain_voltage",
		"gate_voltage",
		"drain_current",
		"stable",
	}
}

// ExitStatus 定义一次实验运行的终止状态
type ExitStatus string

const (
	ExitCompleted ExitStatus = "COMPLETED" // 正常走到 END
	ExitAborted   ExitStatus = "ABORTED"   // 设备请求错误导致提前终止
	ExitKilled    ExitStatus = "KILLED"    // 被强制终止
	ExitPanicked  ExitStatus = "PANICKED"  // 运行上下文崩溃
)
