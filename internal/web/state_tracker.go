package web

import (
	"sync"

	"egfet-controls/internal/types"
)

// ExperimentState 是面向 UI 的实验状态快照
// 只包含前端展示需要的数据
type ExperimentState struct {
	State      types.SequentialState `json:"state"`
	Label      string                `json:"label"`
	Percent    float64               `json:"percent"`
	RowsDone   int                   `json:"rows_done"`
	LastRow    *types.CellDataRow    `json:"last_row,omitempty"`
	LastError  string                `json:"last_error,omitempty"`
	ErrKind    string                `json:"err_kind,omitempty"`
	ExitStatus types.ExitStatus      `json:"exit_status,omitempty"`
}

// ExperimentTracker 追踪实验的实时状态，并通过 Hub 通知前端更新
type ExperimentTracker struct {
	mu    sync.RWMutex
	state ExperimentState
	hub   *Hub
}

// NewExperimentTracker 创建一个新的 ExperimentTracker 实例
func NewExperimentTracker(hub *Hub) *ExperimentTracker {
	return &ExperimentTracker{
		state: ExperimentState{State: types.StateIdle, Label: types.StateIdle.Label()},
		hub:   hub,
	}
}

// UpdateState 更新状态机状态并广播
func (st *ExperimentTracker) UpdateState(state types.SequentialState, label string) {
	st.mu.Lock()
	st.state.State = state
	st.state.Label = label
	snapshot := st.state
	st.mu.Unlock()
	st.hub.BroadcastState(snapshot)
}

// UpdateRow 记录最近一条测量数据并广播
func (st *ExperimentTracker) UpdateRow(row *types.CellDataRow) {
	st.mu.Lock()
	st.state.LastRow = row
	st.state.RowsDone++
	snapshot := st.state
	st.mu.Unlock()
	st.hub.BroadcastState(snapshot)
}

// UpdateProgress 更新进度百分比并广播
func (st *ExperimentTracker) UpdateProgress(percent float64) {
	st.mu.Lock()
	st.state.Percent = percent
	snapshot := st.state
	st.mu.Unlock()
	st.hub.BroadcastState(snapshot)
}

// UpdateError 记录最近一次错误并广播
func (st *ExperimentTracker) UpdateError(kind, message string) {
	st.mu.Lock()
	st.state.ErrKind = kind
	st.state.LastError = message
	snapshot := st.state
	st.mu.Unlock()
	st.hub.BroadcastState(snapshot)
}

// SetExitStatus 记录运行的退出状态
// 退出状态来自监督协程而非事件流，所以单独提供入口
func (st *ExperimentTracker) SetExitStatus(status types.ExitStatus) {
	st.mu.Lock()
	st.state.ExitStatus = status
	snapshot := st.state
	st.mu.Unlock()
	st.hub.BroadcastState(snapshot)
}

// Snapshot 返回当前状态的副本
// 用于新客户端连接时获取一次全量数据，以及 /api/state 查询
func (st *ExperimentTracker) Snapshot() ExperimentState {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.state
}
