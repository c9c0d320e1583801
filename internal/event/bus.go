package event

import (
	"sync"
)

// Handler 是事件处理函数的签名
type Handler func(e Event)

// Bus 是一个简单的内存事件总线
// 引擎侧的排水协程从 Queue 取出事件后发布到总线，各观察者关注点
// （指标、CSV 记录、状态追踪、日志）通过订阅解耦
type Bus struct {
	mu       sync.RWMutex
	handlers map[Kind][]Handler // 存储事件类型到多个处理函数的映射
}

// NewBus 创建一个新的事件总线实例
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[Kind][]Handler),
	}
}

// Subscribe 订阅一个特定类型的事件
func (b *Bus) Subscribe(kind Kind, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], handler)
}

// Publish 发布一个事件，所有订阅了该事件类型的处理器都将被调用
// 处理器在调用方协程内同步执行：发布方是单一排水协程，
// 这保证了同类事件到达各观察者的顺序与产生顺序一致
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	handlers := b.handlers[e.Kind]
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(e)
	}
}

// Pump 持续从队列取事件并发布到总线，直到队列关闭且排空
// 该协程只做转发，绝不修改扫描状态
func Pump(q *Queue, b *Bus) {
	for {
		e, ok := q.Next()
		if !ok {
			return
		}
		b.Publish(e)
	}
}
