package worker

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/sjw9650/TradeButler/internal/logging"
)

var (
	ErrQueueFull  = errors.New("worker: queue full")
	ErrPoolClosed = errors.New("worker: pool closed")
)

// Task 是一个工作单元。Priority 高的先出队，相同优先级按提交顺序。
// 传入已取消的 ctx 时 Run 必须尽快返回。
type Task struct {
	Name     string
	Priority int
	Run      func(ctx context.Context)

	seq uint64
}

// Pool 用固定数量的 goroutine 消费有界优先队列，每个 worker 做完一个任务再取下一个。
type Pool struct {
	workers  int
	capacity int
	logger   *slog.Logger

	mu      sync.Mutex
	queue   taskHeap
	seq     uint64
	closed  bool
	started bool

	// 每个排队任务一个令牌
	wake chan struct{}
	quit chan struct{}
	wg   sync.WaitGroup
}

func NewPool(workers, capacity int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = workers
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Pool{
		workers:  workers,
		capacity: capacity,
		logger:   logger.With("component", "worker_pool"),
		wake:     make(chan struct{}, capacity),
		quit:     make(chan struct{}),
	}
}

// Start 启动 worker。ctx 取消后工作池关闭：排队中的任务拿到已取消的 ctx，
// 由提交方收尾；之后的提交返回 ErrPoolClosed。
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.loop(ctx, i)
	}
	p.logger.Info("worker pool started", "workers", p.workers, "capacity", p.capacity)
}

func (p *Pool) Submit(t Task) error {
	if t.Run == nil {
		return errors.New("worker: task has no Run func")
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if p.queue.Len() >= p.capacity {
		p.mu.Unlock()
		return ErrQueueFull
	}
	p.seq++
	t.seq = p.seq
	heap.Push(&p.queue, &t)
	p.mu.Unlock()

	p.wake <- struct{}{}
	return nil
}

// Len 返回尚未被 worker 取走的任务数。
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

// Stop 拒绝新任务，等 worker 处理完队列后退出。
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.quit)
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) loop(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			p.abandon(ctx, id)
			return
		case <-p.wake:
			if t, ok := p.pop(); ok {
				p.run(ctx, id, t)
			}
		case <-p.quit:
			for {
				if ctx.Err() != nil {
					p.abandon(ctx, id)
					return
				}
				t, ok := p.pop()
				if !ok {
					return
				}
				p.run(ctx, id, t)
			}
		}
	}
}

// abandon 关闭工作池，用已取消的 ctx 执行剩余的排队任务。
func (p *Pool) abandon(ctx context.Context, id int) {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	for {
		t, ok := p.pop()
		if !ok {
			return
		}
		p.logger.Warn("task cancelled before start", "task", t.Name, "worker", id)
		p.run(ctx, id, t)
	}
}

func (p *Pool) pop() (*Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queue.Len() == 0 {
		return nil, false
	}
	return heap.Pop(&p.queue).(*Task), true
}

func (p *Pool) run(ctx context.Context, id int, t *Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", "task", t.Name, "worker", id, "panic", r)
		}
	}()
	t.Run(ctx)
}

type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*Task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
