package scheduler

import "container/heap"

// commandHeap 按优先级降序；优先级相同时最近入队的排在前面
type commandHeap []*Command

func (h commandHeap) Len() int { return len(h) }

func (h commandHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.queuedAt.Equal(b.queuedAt) {
		return a.queuedAt.After(b.queuedAt)
	}
	return a.seq > b.seq
}

func (h commandHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *commandHeap) Push(x any) {
	c := x.(*Command)
	c.index = len(*h)
	*h = append(*h, c)
}

func (h *commandHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	c.index = -1
	*h = old[:n-1]
	return c
}

// Counters 队列执行计数
type Counters struct {
	Executing int
	Executed  int
	Failed    int
	Cancelled int
}

// Queue 单个主机（或默认）的等待队列与计数，由 Scheduler 加锁访问
type Queue struct {
	Host     string
	storage  commandHeap
	counters Counters
}

func newQueue(host string) *Queue {
	return &Queue{Host: host}
}

func (q *Queue) push(c *Command) {
	heap.Push(&q.storage, c)
}

// Waiting 等待中的命令数
func (q *Queue) Waiting() int { return len(q.storage) }

// DeQueue 依次弹出命令，丢弃满足提前丢弃条件的命令（计入 Cancelled），
// 返回第一个保留的命令；队列耗尽时返回 nil
func (q *Queue) DeQueue() (next *Command, dropped []*Command) {
	for len(q.storage) > 0 {
		c := heap.Pop(&q.storage).(*Command)
		if c.shouldDrop() {
			q.counters.Cancelled++
			dropped = append(dropped, c)
			continue
		}
		return c, dropped
	}
	return nil, dropped
}

// drain 清空队列并返回全部命令
func (q *Queue) drain() []*Command {
	out := make([]*Command, 0, len(q.storage))
	for len(q.storage) > 0 {
		out = append(out, heap.Pop(&q.storage).(*Command))
	}
	return out
}
