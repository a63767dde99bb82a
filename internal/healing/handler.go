package healing

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	xerrors "ChainForge/internal/errors"
	"ChainForge/internal/pipeline"
	"ChainForge/pkg/logger"
)

// DefaultMaxRetries 是默认的最大自动修复重试次数。
const DefaultMaxRetries = 3

// StageFunc 执行一次阶段尝试，attempt 从 1 开始。
type StageFunc func(ctx context.Context, attempt int) pipeline.StageOutcome

// AttemptReport 描述一次阶段尝试，在每次尝试结束后交给记录回调。
type AttemptReport struct {
	Stage       pipeline.Stage
	Attempt     int
	Outcome     pipeline.StageOutcome
	Category    pipeline.ErrorCategory
	Duration    time.Duration
	Remediation *pipeline.Remediation
	Terminal    bool
}

// RecordFunc 持久化一次尝试。返回错误表示基础设施故障，重试循环会立即中止。
type RecordFunc func(report AttemptReport) error

// Attempt 是一次带重试的阶段调用。
type Attempt struct {
	Stage  pipeline.Stage
	Run    StageFunc
	State  *pipeline.RunState
	Record RecordFunc
	// Seed 用于抖动计算，通常为工作流 ID。
	Seed string
}

// Report 汇总一个阶段的最终结果。
type Report struct {
	Outcome   pipeline.StageOutcome
	Category  pipeline.ErrorCategory
	Attempts  int
	Retries   int
	Exhausted bool
}

// Sleeper 在重试之间等待，ctx 取消时提前返回。
type Sleeper func(ctx context.Context, d time.Duration) error

// Handler 把分类、修复与退避组合成有界重试循环。
type Handler struct {
	classifier *Classifier
	registry   *Registry
	maxRetries int
	backoff    Backoff
	sleep      Sleeper
	logger     *slog.Logger
}

// Option 定义可选配置。
type Option func(*Handler)

// WithMaxRetries 设置最大重试次数，0 表示不重试。
func WithMaxRetries(n int) Option {
	return func(h *Handler) {
		if n >= 0 {
			h.maxRetries = n
		}
	}
}

// WithBackoff 设置退避策略。
func WithBackoff(b Backoff) Option {
	return func(h *Handler) {
		h.backoff = b
	}
}

// WithSleeper 替换等待函数，便于测试。
func WithSleeper(s Sleeper) Option {
	return func(h *Handler) {
		if s != nil {
			h.sleep = s
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHandler 构造错误处理器。
func NewHandler(classifier *Classifier, registry *Registry, opts ...Option) *Handler {
	if classifier == nil {
		classifier = NewClassifier()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	h := &Handler{
		classifier: classifier,
		registry:   registry,
		maxRetries: DefaultMaxRetries,
		backoff:    DefaultBackoff(),
		sleep:      sleepContext,
		logger:     logger.Named("healing"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Classifier 返回分类器。
func (h *Handler) Classifier() *Classifier {
	return h.classifier
}

// MaxRetries 返回最大重试次数。
func (h *Handler) MaxRetries() int {
	return h.maxRetries
}

// Classify 对错误分类。
func (h *Handler) Classify(err error, stage pipeline.Stage) pipeline.ErrorCategory {
	return h.classifier.Classify(err, stage)
}

// AttemptAutofix 直接调用修复注册表。
func (h *Handler) AttemptAutofix(ctx context.Context, category pipeline.ErrorCategory, fc FixContext) (string, FixResult, error) {
	return h.registry.AttemptAutofix(ctx, category, fc)
}

// HandleWithRetry 执行阶段并在失败时分类、尝试修复。只有修复生效且未超过
// 最大重试次数时才会退避重试；每次修复尝试都计入重试次数。
// 返回的 error 仅来自记录回调，表示必须中止工作流的基础设施故障。
func (h *Handler) HandleWithRetry(ctx context.Context, a Attempt) (Report, error) {
	report := Report{}
	for attempt := 1; ; attempt++ {
		started := time.Now()
		outcome := h.safeRun(ctx, a, attempt)
		duration := time.Since(started)
		report.Attempts = attempt
		report.Outcome = outcome

		if outcome.OK() {
			report.Category = ""
			err := h.record(a, AttemptReport{
				Stage: a.Stage, Attempt: attempt, Outcome: outcome, Duration: duration, Terminal: true,
			})
			return report, err
		}

		category := h.classifier.Classify(outcome.Err, a.Stage)
		report.Category = category
		current := AttemptReport{
			Stage: a.Stage, Attempt: attempt, Outcome: outcome, Category: category, Duration: duration,
		}

		switch {
		case report.Retries >= h.maxRetries:
			current.Terminal = true
			report.Exhausted = h.maxRetries > 0
		case ctx.Err() != nil:
			current.Terminal = true
		default:
			name, fix, err := h.registry.AttemptAutofix(ctx, category, FixContext{
				Stage: a.Stage, Attempt: attempt, Err: outcome.Err, State: a.State,
			})
			report.Retries++
			current.Remediation = &pipeline.Remediation{
				Name: name, Applied: fix.Applied, Detail: fix.Detail, Diff: fix.Diff,
			}
			if err != nil {
				h.logger.Warn("自动修复执行失败",
					slog.String("stage", string(a.Stage)),
					slog.String("category", string(category)),
					slog.Any("error", err))
			}
			if fix.Applied {
				logger.Audit().Info("autofix applied",
					slog.String("workflow_id", a.Seed),
					slog.String("stage", string(a.Stage)),
					slog.String("category", string(category)),
					slog.String("remediation", name))
			} else {
				current.Terminal = true
			}
		}

		if err := h.record(a, current); err != nil {
			return report, err
		}
		if current.Terminal {
			return report, nil
		}

		delay := h.backoff.Delay(report.Retries, fmt.Sprintf("%s:%s:%d", a.Seed, a.Stage, report.Retries))
		h.logger.Info("阶段失败，修复后重试",
			slog.String("stage", string(a.Stage)),
			slog.String("category", string(category)),
			slog.Int("retry", report.Retries),
			slog.Duration("delay", delay))
		if err := h.sleep(ctx, delay); err != nil {
			return report, nil
		}
	}
}

func (h *Handler) record(a Attempt, report AttemptReport) error {
	if a.Record == nil {
		return nil
	}
	if err := a.Record(report); err != nil {
		return err
	}
	return nil
}

// safeRun 执行阶段函数并把 panic 转换为阶段失败，panic 不会越过重试边界。
func (h *Handler) safeRun(ctx context.Context, a Attempt, attempt int) (outcome pipeline.StageOutcome) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("阶段执行发生 panic",
				slog.String("stage", string(a.Stage)),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			outcome = pipeline.Failed(xerrors.New(xerrors.CodeUnknown,
				fmt.Sprintf("stage %s panicked: %v", a.Stage, r),
				xerrors.WithMetadata(xerrors.MetaStage, string(a.Stage))), nil)
		}
	}()
	if a.Run == nil {
		return pipeline.Failed(xerrors.New(xerrors.CodeInvalidArgument, "阶段没有可执行的函数"), nil)
	}
	return a.Run(ctx, attempt)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
