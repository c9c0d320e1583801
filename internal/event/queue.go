package event

import (
	"sync"
)

// Queue 是引擎到外部观察者的单向异步通道
// 发布端永不阻塞：事件先进入内存缓冲，消费者慢或缺席时只会累积，不会反压状态机
// 同一类型的事件按发布顺序投递
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	events []Event
	closed bool
}

// NewQueue 创建一个新的事件队列
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Publish 发布一个事件，立即返回
// 队列关闭后发布的事件被丢弃，避免运行收尾阶段的竞态
func (q *Queue) Publish(e Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.events = append(q.events, e)
	q.cond.Signal()
}

// Next 取出队首事件，队列为空时阻塞等待
// 队列关闭且排空后返回 false
func (q *Queue) Next() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.events) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.events) == 0 {
		return Event{}, false
	}
	e := q.events[0]
	q.events = q.events[1:]
	return e, true
}

// TryNext 非阻塞地取出队首事件
func (q *Queue) TryNext() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return Event{}, false
	}
	e := q.events[0]
	q.events = q.events[1:]
	return e, true
}

// Len 返回当前积压的事件数
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close 关闭队列并唤醒所有等待者
// 已入队未消费的事件仍可被取出
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
