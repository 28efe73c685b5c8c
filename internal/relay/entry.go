package relay

import "io"

// Entry 单个请求的流转发状态：管道两端与待写入队列
type Entry struct {
	ID     string
	Queue  *Queue
	source *io.PipeReader
	sink   *io.PipeWriter
}

// NewEntry 创建管道与空队列。io.Pipe 无内部缓冲，
// 写入方在读取方消费前一直阻塞，以此形成背压
func NewEntry(id string) *Entry {
	r, w := io.Pipe()
	return &Entry{
		ID:     id,
		Queue:  NewQueue(),
		source: r,
		sink:   w,
	}
}

// Source 返回管道读取端
func (e *Entry) Source() io.ReadCloser { return e.source }
