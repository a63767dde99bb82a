package jobs

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "ChainForge/internal/errors"
	"ChainForge/internal/observability/alerting"
	"ChainForge/internal/pipeline"
	"ChainForge/internal/workflow"
	"ChainForge/pkg/logger"
)

// Executor 定义了处理器所需的工作流执行能力。
// workflow.Orchestrator 返回的错误均不可重试，作业直接进入终态；
// 重新入队只服务于返回可重试、非 Fatal 错误的执行器。
type Executor interface {
	Run(ctx context.Context, req workflow.RunRequest) (*workflow.Result, error)
}

// Processor 负责从队列消费作业并交给编排器执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动作业处理循环，阻塞到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置作业消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, d Delivery) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	job, err := p.store.Claim(ctx, d.JobID)
	if err != nil {
		if stdErrors.Is(err, ErrJobNotFound) || stdErrors.Is(err, ErrJobCompleted) || stdErrors.Is(err, ErrJobExhausted) {
			p.logDebug("跳过作业", slog.String("job_id", d.JobID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取作业失败", slog.Any("error", err), slog.String("job_id", d.JobID))
		p.emitAlert(ctx, &Job{ID: d.JobID}, xerrors.CodeQueueFailure, err, "claim")
		return err
	}
	p.logDebug("开始执行作业",
		slog.String("job_id", job.ID),
		slog.Int("attempt", job.Attempts),
		slog.Duration("queue_wait", d.QueueWait(time.Now())))

	req := job.Request
	req.WorkflowID = job.ID
	result, runErr := p.executor.Run(ctx, req)
	if runErr != nil {
		return p.handleRunFailure(ctx, job, runErr)
	}

	outcome := OutcomeOf(result)
	if err := p.store.MarkSucceeded(ctx, job.ID, outcome); err != nil {
		logger.L().Error("标记作业完成状态失败", slog.Any("error", err), slog.String("job_id", job.ID))
		return err
	}
	logger.Audit().Info("作业执行完成",
		slog.String("job_id", job.ID),
		slog.String("workflow_status", string(outcome.WorkflowStatus)),
		slog.Int("exit_code", outcome.ExitCode),
		slog.String("contract_address", outcome.ContractAddress),
	)
	if outcome.WorkflowStatus == pipeline.StatusError {
		p.logDebug("工作流以错误状态结束", slog.String("job_id", job.ID), slog.String("diagnostics", outcome.DiagnosticsPath))
	}
	return nil
}

// handleRunFailure 处理执行器返回的错误。Fatal 错误直接终结作业；其余可重试的错误
// 在次数允许时重新入队。编排器的上下文与诊断包按工作流 ID 只写一次，重跑同一 ID
// 会被存储拒绝，因此编排器的错误码都登记为不可重试。
func (p *Processor) handleRunFailure(ctx context.Context, job *Job, runErr error) error {
	code := xerrors.CodeOf(runErr)
	if code == xerrors.CodeUnknown {
		code = xerrors.CodeRetriesExhausted
	}
	retryable := xerrors.RetryableError(runErr) && !xerrors.IsFatal(runErr)
	terminal := !retryable || (job.MaxAttempts > 0 && job.Attempts >= job.MaxAttempts)

	if err := p.store.MarkFailed(ctx, job.ID, code, runErr.Error(), terminal); err != nil {
		logger.L().Error("标记作业失败状态出错", slog.Any("error", err), slog.String("job_id", job.ID))
		return err
	}
	logger.Audit().Warn("作业执行失败",
		slog.String("job_id", job.ID),
		slog.Bool("terminal", terminal),
		slog.String("error", runErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_attempts", job.MaxAttempts),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
	}
	p.emitAlert(ctx, job, code, runErr, stage)

	if !terminal {
		if err := p.producer.Publish(ctx, NewDelivery(job.ID, job.Attempts+1)); err != nil {
			return xerrors.Wrap(CodeJobPublish, err, fmt.Sprintf("作业 %s 重投失败", job.ID))
		}
		p.logDebug("作业已重新排队", slog.String("job_id", job.ID), slog.Int("attempts", job.Attempts))
	}
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger == nil {
		return
	}
	args := make([]any, len(attrs))
	for i, attr := range attrs {
		args[i] = attr
	}
	p.logger.Debug(msg, args...)
}

func (p *Processor) emitAlert(ctx context.Context, job *Job, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || job == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{"job_stage": stage}
	if cause != nil {
		message = cause.Error()
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		WorkflowID: job.ID,
		Status:     string(job.Status),
		Attempts:   job.Attempts,
		MaxRetries: job.MaxAttempts,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("job_id", job.ID),
			slog.String("stage", stage),
		)
	}
}
