package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"geostream/logger"
	"geostream/resource"
)

// 默认并发限制
const (
	DefaultMaxConnsPerHost = 6
	DefaultMaxConnections  = 16
)

// 计数器名称，用于 ResetCommandsCount
const (
	CounterExecuted  = "executed"
	CounterFailed    = "failed"
	CounterCancelled = "cancelled"
)

// Config 调度器配置
type Config struct {
	// MaxConnsPerHost 每个主机（及默认队列）同时执行的命令上限，严格执行
	MaxConnsPerHost int
	// MaxConnections 全局并发参考值，仅用于告警，不做限制
	MaxConnections int
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{MaxConnsPerHost: DefaultMaxConnsPerHost, MaxConnections: DefaultMaxConnections}
}

// QueueStats 单个队列的快照
type QueueStats struct {
	Host string
	Counters
	Waiting int
}

// Scheduler 持有按主机划分的命令队列与协议提供者注册表。
// 由调用方显式创建并传递，不是全局单例
type Scheduler struct {
	mu           sync.Mutex
	cfg          Config
	defaultQueue *Queue
	hostQueues   map[string]*Queue
	providers    map[string]Provider
	log          logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	seq    uint64
	closed bool
	// overGlobal 记录是否已对超过全局参考值告警，回落后重置
	overGlobal bool
	now        func() time.Time
}

// New 创建调度器，log 为 nil 时使用全局日志记录器
func New(cfg Config, log logger.Logger) *Scheduler {
	if cfg.MaxConnsPerHost <= 0 {
		cfg.MaxConnsPerHost = DefaultMaxConnsPerHost
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:          cfg,
		defaultQueue: newQueue(""),
		hostQueues:   make(map[string]*Queue),
		providers:    make(map[string]Provider),
		log:          logger.WithPrefix(log, "scheduler"),
		ctx:          ctx,
		cancel:       cancel,
		now:          time.Now,
	}
}

// Config 当前配置
func (s *Scheduler) Config() Config { return s.cfg }

// AddProtocolProvider 注册协议提供者
func (s *Scheduler) AddProtocolProvider(name string, p Provider) error {
	if name == "" || p == nil {
		return fmt.Errorf("%w: 协议名或提供者为空", ErrUnknownProtocol)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, name)
	}
	s.providers[name] = p
	s.log.Debug("注册协议 %s", name)
	return nil
}

// Provider 查找协议提供者
func (s *Scheduler) Provider(name string) (Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProtocol, name)
	}
	return p, nil
}

// queueFor 按图层 URL 的主机名选择队列，调用方需持有锁
func (s *Scheduler) queueFor(cmd *Command) *Queue {
	host := cmd.Layer.Host()
	if host == "" {
		return s.defaultQueue
	}
	q, ok := s.hostQueues[host]
	if !ok {
		q = newQueue(host)
		s.hostQueues[host] = q
		s.log.Debug("创建主机队列 %s", host)
	}
	return q
}

// Execute 提交命令并返回完成句柄。队列未满时在新 goroutine 中执行，
// 否则按优先级入队等待
func (s *Scheduler) Execute(cmd *Command) *Future {
	f := newFuture()
	cmd.future = f
	if err := cmd.validate(); err != nil {
		f.resolve(nil, err)
		return f
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		f.resolve(nil, fmt.Errorf("%w: 调度器已关闭", ErrCancelled))
		return f
	}
	provider, ok := s.providers[cmd.Layer.Protocol]
	if !ok {
		s.mu.Unlock()
		f.resolve(nil, fmt.Errorf("%w: %s", ErrUnknownProtocol, cmd.Layer.Protocol))
		return f
	}

	q := s.queueFor(cmd)
	if q.counters.Executing < s.cfg.MaxConnsPerHost {
		q.counters.Executing++
		s.wg.Add(1)
		s.checkGlobalLocked()
		s.mu.Unlock()
		s.spawn(q, provider, cmd)
		return f
	}

	s.seq++
	cmd.seq = s.seq
	cmd.queuedAt = s.now()
	q.push(cmd)
	s.mu.Unlock()
	return f
}

// spawn 启动执行；调用方已在持锁时 wg.Add(1)
func (s *Scheduler) spawn(q *Queue, p Provider, cmd *Command) {
	go func() {
		defer s.wg.Done()
		s.run(q, p, cmd)
	}()
}

// run 执行前再次检查丢弃条件：执行是延迟的，瓦片状态可能已经变化
func (s *Scheduler) run(q *Queue, p Provider, cmd *Command) {
	if cmd.shouldDrop() {
		s.settle(q, cmd, nil, ErrCancelled, true)
		return
	}
	handles, err := s.invoke(p, cmd)
	s.settle(q, cmd, handles, err, false)
}

func (s *Scheduler) invoke(p Provider, cmd *Command) (handles []resource.Handle, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("%s 执行 panic: %v", cmd, r)
			handles, err = nil, fmt.Errorf("%w: %v", ErrProviderPanic, r)
		}
	}()
	return p.ExecuteCommand(s.ctx, cmd)
}

// settle 结算命令，并在主机并发允许时继续出队执行
func (s *Scheduler) settle(q *Queue, cmd *Command, handles []resource.Handle, err error, dropped bool) {
	type next struct {
		cmd *Command
		p   Provider
	}
	var runs []next
	var drops []*Command

	s.mu.Lock()
	q.counters.Executing--
	switch {
	case dropped:
		q.counters.Cancelled++
	case err != nil:
		q.counters.Failed++
	default:
		q.counters.Executed++
	}
	for !s.closed && q.counters.Executing < s.cfg.MaxConnsPerHost {
		c, d := q.DeQueue()
		drops = append(drops, d...)
		if c == nil {
			break
		}
		p, ok := s.providers[c.Layer.Protocol]
		if !ok {
			// 注册表只增不减，入队时已确认协议存在
			drops = append(drops, c)
			continue
		}
		q.counters.Executing++
		s.wg.Add(1)
		runs = append(runs, next{cmd: c, p: p})
	}
	s.checkGlobalLocked()
	s.mu.Unlock()

	if err != nil && !dropped {
		s.log.Debug("%s 失败: %v", cmd, err)
	}
	cmd.future.resolve(handles, err)
	for _, c := range drops {
		c.future.resolve(nil, ErrCancelled)
	}
	for _, r := range runs {
		s.spawn(q, r.p, r.cmd)
	}
}

// checkGlobalLocked 全局参考值只做告警
func (s *Scheduler) checkGlobalLocked() {
	running := s.runningLocked()
	if running > s.cfg.MaxConnections && !s.overGlobal {
		s.overGlobal = true
		s.log.Warn("执行中的命令 %d 超过全局参考值 %d", running, s.cfg.MaxConnections)
	} else if running <= s.cfg.MaxConnections && s.overGlobal {
		s.overGlobal = false
	}
}

func (s *Scheduler) eachQueueLocked(fn func(*Queue)) {
	fn(s.defaultQueue)
	for _, q := range s.hostQueues {
		fn(q)
	}
}

func (s *Scheduler) runningLocked() int {
	n := 0
	s.eachQueueLocked(func(q *Queue) { n += q.counters.Executing })
	return n
}

// CommandsWaitingExecutionCount 所有队列中等待的命令数
func (s *Scheduler) CommandsWaitingExecutionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	s.eachQueueLocked(func(q *Queue) { n += q.Waiting() })
	return n
}

// CommandsRunningCount 正在执行的命令数
func (s *Scheduler) CommandsRunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningLocked()
}

// ResetCommandsCount 清零指定计数器并返回清零前的总和
func (s *Scheduler) ResetCommandsCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	known := true
	s.eachQueueLocked(func(q *Queue) {
		switch name {
		case CounterExecuted:
			total += q.counters.Executed
			q.counters.Executed = 0
		case CounterFailed:
			total += q.counters.Failed
			q.counters.Failed = 0
		case CounterCancelled:
			total += q.counters.Cancelled
			q.counters.Cancelled = 0
		default:
			known = false
		}
	})
	if !known {
		s.log.Warn("未知计数器 %s", name)
	}
	return total
}

// HostStats 各队列快照，默认队列的 Host 为空串，其余按主机名排序
func (s *Scheduler) HostStats() []QueueStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]QueueStats, 0, len(s.hostQueues)+1)
	s.eachQueueLocked(func(q *Queue) {
		out = append(out, QueueStats{Host: q.Host, Counters: q.counters, Waiting: q.Waiting()})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

// Close 停止调度：取消执行中命令的上下文，等待队列中的命令全部以取消结算，
// 并等待执行中的命令返回
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	var pending []*Command
	s.eachQueueLocked(func(q *Queue) {
		drained := q.drain()
		q.counters.Cancelled += len(drained)
		pending = append(pending, drained...)
	})
	s.mu.Unlock()

	s.cancel()
	for _, c := range pending {
		c.future.resolve(nil, ErrCancelled)
	}
	s.wg.Wait()
	s.log.Info("调度器已关闭，取消 %d 个等待中的命令", len(pending))
}
