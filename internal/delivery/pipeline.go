// Package delivery 持有内存活动日志，并把每条事件异步推送到 webhook。
package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/Hara602/usbSentry/internal/model"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

const (
	DefaultMaxEntries    = 10000
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = 5 * time.Second
	DefaultWorkers       = 4
	DefaultQueueSize     = 1024
	defaultJournalQueue  = 1024
)

// Journal 持久化事件，由单个写 goroutine 按记录顺序调用
type Journal interface {
	Append(model.ActivityEvent) error
}

type Options struct {
	MaxEntries    int
	RetryAttempts int
	RetryDelay    time.Duration
	// Poster 为 nil 时不做远端投递
	Poster  Poster
	Journal Journal
	// Workers 同时进行的投递数；QueueSize 等待投递的事件数，满了直接丢弃投递
	Workers   int
	QueueSize int
}

// job 入队时绑定当时的投递上下文，Abandon 后旧 job 直接跳过
type job struct {
	ev  model.ActivityEvent
	ctx context.Context
	wg  *sync.WaitGroup
}

// Pipeline 有界活动日志 + 异步投递。
// Record 只在追加日志时持锁，投递失败只记录日志，不会回传给调用方。
type Pipeline struct {
	poster   Poster
	attempts int
	delay    time.Duration
	log      *zap.Logger

	mu    sync.Mutex
	ring  []model.ActivityEvent
	head  int // 下一个写入位置
	count int

	// 投递上下文，Abandon 时整体替换
	dmu      sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	inflight *sync.WaitGroup
	queue    chan job
	workers  sync.WaitGroup

	journal   Journal
	jmu       sync.RWMutex
	jq        chan model.ActivityEvent
	jdone     chan struct{}
	closeOnce sync.Once
}

func NewPipeline(log *zap.Logger, opts Options) *Pipeline {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = DefaultRetryAttempts
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	p := &Pipeline{
		poster:   opts.Poster,
		attempts: opts.RetryAttempts,
		delay:    opts.RetryDelay,
		log:      log.Named("delivery"),
		ring:     make([]model.ActivityEvent, opts.MaxEntries),
		inflight: new(sync.WaitGroup),
		journal:  opts.Journal,
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	if p.poster != nil {
		p.queue = make(chan job, opts.QueueSize)
		for range opts.Workers {
			p.workers.Add(1)
			go p.deliverLoop(p.queue)
		}
	}
	if p.journal != nil {
		p.jq = make(chan model.ActivityEvent, defaultJournalQueue)
		p.jdone = make(chan struct{})
		go p.writeJournal(p.jq)
	}
	return p
}

// Record 追加到日志并异步投递
func (p *Pipeline) Record(ev model.ActivityEvent) {
	p.RecordLocal(ev)
	if p.poster != nil {
		p.deliver(ev)
	}
}

// RecordLocal 只写本地日志 (与 journal)，不投递
func (p *Pipeline) RecordLocal(ev model.ActivityEvent) {
	ev = ev.Clone()

	p.mu.Lock()
	p.ring[p.head] = ev
	p.head = (p.head + 1) % len(p.ring)
	if p.count < len(p.ring) {
		p.count++
	}
	p.mu.Unlock()

	p.log.Info("Activity recorded",
		zap.String("type", string(ev.Type)),
		zap.String("severity", ev.Severity.String()),
		zap.String("description", ev.Description))

	p.jmu.RLock()
	defer p.jmu.RUnlock()
	if p.jq != nil {
		select {
		case p.jq <- ev:
		default:
			p.log.Warn("Journal queue full, event not persisted", zap.String("id", ev.ID))
		}
	}
}

// Snapshot 最新的在前，返回深拷贝
func (p *Pipeline) Snapshot() []model.ActivityEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.ActivityEvent, 0, p.count)
	for i := 1; i <= p.count; i++ {
		idx := (p.head - i + len(p.ring)) % len(p.ring)
		out = append(out, p.ring[idx].Clone())
	}
	return out
}

func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// deliver 非阻塞入队；队列满时只丢弃投递，本地日志已保留该事件
func (p *Pipeline) deliver(ev model.ActivityEvent) {
	p.dmu.Lock()
	defer p.dmu.Unlock()
	if p.queue == nil {
		return
	}
	p.inflight.Add(1)
	select {
	case p.queue <- job{ev: ev, ctx: p.ctx, wg: p.inflight}:
	default:
		p.inflight.Done()
		p.log.Warn("Delivery queue full, webhook delivery dropped",
			zap.String("id", ev.ID),
			zap.String("type", string(ev.Type)))
	}
}

func (p *Pipeline) deliverLoop(queue <-chan job) {
	defer p.workers.Done()
	for j := range queue {
		if j.ctx.Err() == nil {
			p.send(j.ctx, j.ev)
		}
		j.wg.Done()
	}
}

func (p *Pipeline) send(ctx context.Context, ev model.ActivityEvent) {
	payload := model.NewPayload(ev, nil, nil)
	attempt := 0
	op := func() (struct{}, error) {
		attempt++
		return struct{}{}, p.poster.Post(ctx, payload)
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(p.delay)),
		backoff.WithMaxTries(uint(p.attempts)),
		backoff.WithMaxElapsedTime(p.budget()),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.log.Debug("Webhook delivery failed, retrying",
				zap.String("id", ev.ID),
				zap.Int("attempt", attempt),
				zap.Duration("next", next),
				zap.Error(err))
		}))
	if err != nil {
		if ctx.Err() != nil {
			p.log.Debug("Webhook delivery abandoned", zap.String("id", ev.ID))
			return
		}
		p.log.Warn("Webhook delivery failed",
			zap.String("id", ev.ID),
			zap.String("type", string(ev.Type)),
			zap.Int("attempts", attempt),
			zap.Error(err))
		return
	}
	p.log.Debug("Webhook delivered", zap.String("id", ev.ID), zap.Int("attempts", attempt))
}

// budget 重试总时长上限，只作兜底，正常由次数限制结束
func (p *Pipeline) budget() time.Duration {
	return time.Duration(p.attempts)*(p.delay+DefaultRequestTimeout) + time.Minute
}

// Abandon 取消进行中和排队中的投递并等待它们退出；之后的投递使用新的上下文
func (p *Pipeline) Abandon() {
	p.dmu.Lock()
	p.cancel()
	wg := p.inflight
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.inflight = new(sync.WaitGroup)
	p.dmu.Unlock()

	wg.Wait()
}

// Close 放弃投递并刷完 journal 队列。之后的 Record 只进内存日志，投递立即失败
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		p.Abandon()
		p.dmu.Lock()
		p.cancel()
		queue := p.queue
		p.queue = nil
		p.dmu.Unlock()
		if queue != nil {
			close(queue)
			p.workers.Wait()
		}

		p.jmu.Lock()
		jq := p.jq
		p.jq = nil
		p.jmu.Unlock()
		if jq != nil {
			close(jq)
			<-p.jdone
		}
	})
}

func (p *Pipeline) writeJournal(jq <-chan model.ActivityEvent) {
	defer close(p.jdone)
	for ev := range jq {
		if err := p.journal.Append(ev); err != nil {
			p.log.Error("Failed to persist activity", zap.String("id", ev.ID), zap.Error(err))
		}
	}
}
