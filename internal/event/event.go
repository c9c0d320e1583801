package event

import (
	"egfet-controls/internal/types"
)

// Kind 定义事件的类型
type Kind string

// 引擎对外发布的全部事件类型，除此之外不会有其他类型
const (
	StateChanged Kind = "StateChanged" // 状态机进入新状态
	DataRow      Kind = "DataRow"      // 产生一条测量记录
	Progress     Kind = "Progress"     // 扫描进度百分比更新
	Error        Kind = "Error"        // 错误通知
)

// Event 结构体定义了事件的数据负载
type Event struct {
	Kind    Kind                  // 事件类型
	State   types.SequentialState // 当前状态 (仅状态事件)
	Label   string                // 可读状态描述 (仅状态事件)
	Row     *types.CellDataRow    // 测量记录 (仅数据事件)
	Percent float64               // 进度百分比 (仅进度事件)
	ErrKind string                // 错误类别 (仅错误事件)
	Message string                // 错误描述 (仅错误事件)
}

// 错误事件的类别常量
const (
	ErrKindConfig  = "CONFIG"  // 配置错误，运行未开始
	ErrKindDevice  = "DEVICE"  // 设备请求错误，运行提前终止
	ErrKindRuntime = "RUNTIME" // 运行上下文故障
	ErrKindVerify  = "VERIFY"  // 校验扫描检测到漂移，非致命
)
