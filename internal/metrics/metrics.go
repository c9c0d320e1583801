package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 定义 Prometheus 监控指标
var (
	// RowsRecorded 计数器：已记录的测量数据行总数
	// 按单元名称分类
	RowsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "experiment_rows_recorded_total",
		Help: "The total number of recorded cell data rows",
	}, []string{"cell"})

	// UnstableRows 计数器：稳定性等待超时后记录的数据行总数
	// 用于监控实验样品或仪器的稳定性问题
	UnstableRows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "experiment_unstable_rows_total",
		Help: "The total number of rows recorded after a stability timeout",
	})

	// SweepProgress 仪表盘：当前运行的扫描进度百分比
	SweepProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "experiment_sweep_progress_percent",
		Help: "Progress of the current sweep run as a percentage",
	})

	// StateTransitions 计数器：状态机进入各状态的次数
	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "experiment_state_transitions_total",
		Help: "The total number of state machine transitions by target state",
	}, []string{"state"})

	// ErrorsTotal 计数器：上报的错误总数
	// 按错误类别分类
	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "experiment_errors_total",
		Help: "The total number of reported errors by kind",
	}, []string{"kind"})

	// SampleDuration 直方图：单次采样耗时分布
	// 用于分析不同采样策略的时间开销
	SampleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "experiment_sample_duration_seconds",
		Help:    "Time spent acquiring one reported measurement",
		Buckets: prometheus.DefBuckets,
	})
)
