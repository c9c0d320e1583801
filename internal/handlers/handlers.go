package handlers

import (
	"log/slog"

	"egfet-controls/internal/event"
	"egfet-controls/internal/metrics"
	"egfet-controls/internal/persistence"
	"egfet-controls/internal/web"
)

// RegisterEventHandlers 将所有事件处理器注册到事件总线
// 这是事件驱动架构的核心，将不同的关注点（监控、落盘、UI、日志）解耦
// 所有处理器由排水协程串行调用，同类事件之间保持顺序
func RegisterEventHandlers(bus *event.Bus, st *web.ExperimentTracker, rec *persistence.CSVRecorder, cells []string, logger *slog.Logger) {
	// --- 指标处理器 (Metrics Handler) ---
	// 订阅数据行事件，按单元累计数据行计数
	bus.Subscribe(event.DataRow, func(e event.Event) {
		if e.Row == nil {
			return
		}
		cell := "unknown"
		if e.Row.CellIndex < len(cells) {
			cell = cells[e.Row.CellIndex]
		}
		metrics.RowsRecorded.WithLabelValues(cell).Inc()
		if !e.Row.Stable {
			metrics.UnstableRows.Inc()
		}
	})
	// 订阅进度事件，更新进度仪表盘
	bus.Subscribe(event.Progress, func(e event.Event) {
		metrics.SweepProgress.Set(e.Percent)
	})
	// 订阅状态事件，累计各状态的进入次数
	bus.Subscribe(event.StateChanged, func(e event.Event) {
		metrics.StateTransitions.WithLabelValues(string(e.State)).Inc()
	})
	// 订阅错误事件，按类别累计错误计数
	bus.Subscribe(event.Error, func(e event.Event) {
		metrics.ErrorsTotal.WithLabelValues(e.ErrKind).Inc()
	})

	// --- 数据落盘处理器 (Persistence Handler) ---
	// 每条数据行写入对应 (单元, 轮次) 的 CSV 文件
	bus.Subscribe(event.DataRow, rec.HandleRow)
	// 进入终止状态时刷新并关闭所有数据文件
	bus.Subscribe(event.StateChanged, func(e event.Event) {
		if e.State.Terminal() {
			rec.Finalize()
		}
	})

	// --- Web UI 处理器 (Web UI Handler) ---
	bus.Subscribe(event.StateChanged, func(e event.Event) {
		st.UpdateState(e.State, e.Label)
	})
	bus.Subscribe(event.DataRow, func(e event.Event) {
		st.UpdateRow(e.Row)
	})
	bus.Subscribe(event.Progress, func(e event.Event) {
		st.UpdateProgress(e.Percent)
	})
	bus.Subscribe(event.Error, func(e event.Event) {
		st.UpdateError(e.ErrKind, e.Message)
	})

	// --- 日志处理器 (Logging Handler) ---
	// 订阅关键事件，记录审计日志
	bus.Subscribe(event.Error, func(e event.Event) {
		logger.Error("实验错误", "kind", e.ErrKind, "message", e.Message)
	})
	bus.Subscribe(event.StateChanged, func(e event.Event) {
		logger.Info("实验状态变更", "state", e.State, "label", e.Label)
	})
}
