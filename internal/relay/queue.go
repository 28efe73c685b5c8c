package relay

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrQueueSealed 结束标记之后继续写入
	ErrQueueSealed = errors.New("queue already received end of stream")
	// ErrDetached 桥接组件已卸载，转发任务被中断
	ErrDetached = errors.New("bridge detached")
)

// Item 队列元素，只有 Bytes 与 EndOfStream 两种取值
type Item interface {
	isItem()
}

// Bytes 一段响应体数据
type Bytes []byte

// EndOfStream 结束标记，与数据共用同一个队列以保证先后顺序
type EndOfStream struct{}

func (Bytes) isItem()       {}
func (EndOfStream) isItem() {}

// Queue 单消费者的无界 FIFO 队列，Put 从不阻塞
type Queue struct {
	mu     sync.Mutex
	items  []Item
	sealed bool
	ready  chan struct{}
}

// NewQueue 创建空队列
func NewQueue() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

// Put 追加元素；EndOfStream 之后的写入返回 ErrQueueSealed
func (q *Queue) Put(it Item) error {
	q.mu.Lock()
	if q.sealed {
		q.mu.Unlock()
		return ErrQueueSealed
	}
	q.items = append(q.items, it)
	if _, ok := it.(EndOfStream); ok {
		q.sealed = true
	}
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// Take 取出队首元素，队列为空时阻塞直到有数据或 ctx 结束
func (q *Queue) Take(ctx context.Context) (Item, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return it, nil
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len 返回排队中的元素数量
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Sealed 是否已收到结束标记
func (q *Queue) Sealed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sealed
}
