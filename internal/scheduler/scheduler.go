package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sjw9650/TradeButler/internal/alert"
	"github.com/sjw9650/TradeButler/internal/budget"
	apperrors "github.com/sjw9650/TradeButler/internal/errors"
	"github.com/sjw9650/TradeButler/internal/logging"
	"github.com/sjw9650/TradeButler/internal/pipeline"
	"github.com/sjw9650/TradeButler/internal/worker"
)

var (
	ErrUnknownJob     = errors.New("unknown job")
	ErrAlreadyRunning = errors.New("job already running")
)

type State string

const (
	StateIdle      State = "idle"
	StateScheduled State = "scheduled"
	StateRunning   State = "running"
)

type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

type TriggerResult string

const (
	Accepted       TriggerResult = "accepted"
	AlreadyRunning TriggerResult = "already_running"
	BudgetExceeded TriggerResult = "budget_exceeded"
)

// Runner 执行各类任务，由 *pipeline.Pipeline 实现。
type Runner interface {
	RunPoll(ctx context.Context, job string, params pipeline.PollJobParams) (pipeline.JobResult, error)
	RunReannotate(ctx context.Context, job string, params pipeline.ReannotateJobParams) (pipeline.JobResult, error)
	RunHealthCheck(ctx context.Context, job string) (pipeline.JobResult, error)
}

// Admission 决定花钱的任务能否开始，由 *budget.Guard 实现。
type Admission interface {
	Check(ctx context.Context) error
}

// Status 是任务对外可见的状态。
type Status struct {
	Name          string             `json:"name"`
	Cadence       string             `json:"cadence"`
	Kind          JobKind            `json:"kind"`
	Priority      int                `json:"priority"`
	Queue         string             `json:"queue"`
	State         State              `json:"state"`
	LastRun       *time.Time         `json:"lastRun,omitempty"`
	LastOutcome   Outcome            `json:"lastOutcome,omitempty"`
	FailedItems   int                `json:"failedItems"`
	ErrorCategory apperrors.Category `json:"errorCategory,omitempty"`
	NextRun       *time.Time         `json:"nextRun,omitempty"`
}

type Options struct {
	Location   *time.Location
	JobTimeout time.Duration
	Alerter    alert.Alerter
	Logger     *slog.Logger
}

type job struct {
	desc    ScheduleDescriptor
	entryID cron.EntryID

	state       State
	lastRun     *time.Time
	lastOutcome Outcome
	failedItems int
	errCategory apperrors.Category
}

// Scheduler 持有任务表、定时器和工作池句柄。
// 只创建一次，传给需要触发任务的地方。
type Scheduler struct {
	cron       *cron.Cron
	pool       *worker.Pool
	runner     Runner
	admission  Admission
	alerter    alert.Alerter
	logger     *slog.Logger
	jobTimeout time.Duration

	mu    sync.Mutex
	jobs  map[string]*job
	order []string
}

func New(descs []ScheduleDescriptor, runner Runner, admission Admission, pool *worker.Pool, opts Options) (*Scheduler, error) {
	if runner == nil || admission == nil || pool == nil {
		return nil, errors.New("scheduler: runner, admission and pool are required")
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Alerter == nil {
		opts.Alerter = alert.NewLogAlerter(opts.Logger)
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 10 * time.Minute
	}
	logger := opts.Logger.With("component", "scheduler")

	s := &Scheduler{
		cron:       cron.New(cron.WithLocation(opts.Location), cron.WithLogger(cronLogger{logger})),
		pool:       pool,
		runner:     runner,
		admission:  admission,
		alerter:    opts.Alerter,
		logger:     logger,
		jobTimeout: opts.JobTimeout,
		jobs:       make(map[string]*job, len(descs)),
	}

	for _, d := range descs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.jobs[d.Name]; dup {
			return nil, fmt.Errorf("scheduler: duplicate job %q", d.Name)
		}
		name := d.Name
		id, err := s.cron.AddFunc(d.Cadence, func() { s.fire(name) })
		if err != nil {
			return nil, fmt.Errorf("scheduler: job %q: invalid cadence %q: %w", d.Name, d.Cadence, err)
		}
		s.jobs[d.Name] = &job{desc: d, entryID: id, state: StateIdle}
		s.order = append(s.order, d.Name)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.order))
}

// Stop 停止定时器，并等待正在执行的 cron 回调返回。
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) fire(name string) {
	res, err := s.TriggerJob(context.Background(), name)
	if err != nil {
		s.logger.Error("scheduled trigger failed", "job", name, "err", err)
		return
	}
	if res != Accepted {
		s.logger.Info("scheduled trigger not dispatched", "job", name, "result", res)
	}
}

// TriggerJob 把空闲任务置为 Scheduled 并放入工作池队列。
// 当前窗口已达上限时，花钱的任务返回 BudgetExceeded；
// 账本读不到时返回错误，不入队。
func (s *Scheduler) TriggerJob(ctx context.Context, name string) (TriggerResult, error) {
	j, err := s.reserve(name)
	if errors.Is(err, ErrAlreadyRunning) {
		return AlreadyRunning, nil
	}
	if err != nil {
		return "", err
	}

	if err := s.admit(ctx, j); err != nil {
		if errors.Is(err, budget.ErrExceeded) {
			return BudgetExceeded, nil
		}
		return "", fmt.Errorf("trigger %s: %w", name, err)
	}

	err = s.pool.Submit(worker.Task{
		Name:     name,
		Priority: j.desc.Priority,
		Run:      func(ctx context.Context) { _, _ = s.run(ctx, j) },
	})
	if err != nil {
		s.release(j)
		return "", fmt.Errorf("trigger %s: %w", name, err)
	}
	s.logger.Info("job scheduled", "job", name, "priority", j.desc.Priority, "queue", j.desc.Queue)
	return Accepted, nil
}

// RunNow 在当前 goroutine 同步执行任务，准入规则相同。供一次性的 collect 命令使用。
func (s *Scheduler) RunNow(ctx context.Context, name string) (pipeline.JobResult, error) {
	j, err := s.reserve(name)
	if err != nil {
		return pipeline.JobResult{}, err
	}
	if err := s.admit(ctx, j); err != nil {
		return pipeline.JobResult{}, err
	}
	return s.run(ctx, j)
}

func (s *Scheduler) reserve(name string) (*job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	if j.state != StateIdle {
		return nil, fmt.Errorf("%w: %q is %s", ErrAlreadyRunning, name, j.state)
	}
	j.state = StateScheduled
	return j, nil
}

func (s *Scheduler) release(j *job) {
	s.mu.Lock()
	j.state = StateIdle
	s.mu.Unlock()
}

// admit 对花钱的任务做预算检查。超预算记为 Skipped；
// 账本出错时释放占位，不记录结果。
func (s *Scheduler) admit(ctx context.Context, j *job) error {
	if !j.desc.Kind.Spends() {
		return nil
	}
	err := s.admission.Check(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, budget.ErrExceeded) {
		s.finish(j, OutcomeSkipped, pipeline.JobResult{}, err)
		s.logger.Warn("job skipped", "job", j.desc.Name, "err", err)
		if aerr := s.alerter.Alert(ctx, alert.Alert{Kind: alert.KindBudgetExceeded, Job: j.desc.Name, Message: err.Error()}); aerr != nil {
			s.logger.Warn("alert delivery failed", "err", aerr)
		}
		return err
	}
	s.release(j)
	return err
}

// run 负责 Scheduled -> Running -> 结果 的状态流转。
func (s *Scheduler) run(ctx context.Context, j *job) (pipeline.JobResult, error) {
	if err := ctx.Err(); err != nil {
		s.finish(j, OutcomeFailed, pipeline.JobResult{}, err)
		return pipeline.JobResult{}, err
	}
	// 排队期间预算可能已经用完
	if err := s.admit(ctx, j); err != nil {
		if !errors.Is(err, budget.ErrExceeded) {
			s.finish(j, OutcomeFailed, pipeline.JobResult{}, err)
		}
		return pipeline.JobResult{}, err
	}

	now := time.Now()
	s.mu.Lock()
	j.state = StateRunning
	j.lastRun = &now
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	defer cancel()

	var (
		res pipeline.JobResult
		err error
	)
	d := j.desc
	switch d.Kind {
	case KindPoll:
		res, err = s.runner.RunPoll(ctx, d.Name, *d.Poll)
	case KindReannotate:
		res, err = s.runner.RunReannotate(ctx, d.Name, *d.Reannotate)
	case KindHealthCheck:
		res, err = s.runner.RunHealthCheck(ctx, d.Name)
	default:
		err = fmt.Errorf("unknown job kind %q", d.Kind)
	}

	outcome := OutcomeSucceeded
	if err != nil {
		outcome = OutcomeFailed
	}
	s.finish(j, outcome, res, err)
	return res, err
}

func (s *Scheduler) finish(j *job, outcome Outcome, res pipeline.JobResult, err error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	j.state = StateIdle
	j.lastOutcome = outcome
	j.failedItems = res.FailedItems
	j.errCategory = apperrors.CategoryOf(err)
	if j.lastRun == nil || outcome == OutcomeSkipped {
		j.lastRun = &now
	}
}

// SchedulesStatus 按注册顺序列出所有任务。
func (s *Scheduler) SchedulesStatus() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.order))
	for _, name := range s.order {
		j := s.jobs[name]
		st := Status{
			Name:          j.desc.Name,
			Cadence:       j.desc.Cadence,
			Kind:          j.desc.Kind,
			Priority:      j.desc.Priority,
			Queue:         j.desc.Queue,
			State:         j.state,
			LastOutcome:   j.lastOutcome,
			FailedItems:   j.failedItems,
			ErrorCategory: j.errCategory,
		}
		if j.lastRun != nil {
			t := *j.lastRun
			st.LastRun = &t
		}
		if next := s.cron.Entry(j.entryID).Next; !next.IsZero() {
			st.NextRun = &next
		}
		out = append(out, st)
	}
	return out
}

// cronLogger 把 robfig/cron 的内部日志转到 slog。
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
