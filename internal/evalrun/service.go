package evalrun

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "SwapSentinel/internal/errors"
	"SwapSentinel/internal/harness"
	"SwapSentinel/pkg/logger"
)

// SubmitRequest 描述一次评测运行请求。
// Suite 与 Cases 至少提供其一：只给套件名时由处理器按名称解析用例，
// 只给内联用例时套件名默认为 adhoc。
type SubmitRequest struct {
	ID          string         `json:"id,omitempty"`
	Suite       string         `json:"suite,omitempty"`
	Cases       []harness.Case `json:"cases,omitempty"`
	MaxAttempts int            `json:"max_attempts,omitempty"`
}

// Service 负责评测运行的创建与查询。
type Service struct {
	store       Store
	producer    Producer
	maxAttempts int
}

// NewService 构造评测运行服务。
func NewService(store Store, producer Producer, maxAttempts int) *Service {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Service{store: store, producer: producer, maxAttempts: maxAttempts}
}

// Submit 创建一个新的评测运行并推送到队列。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Run, error) {
	suite := strings.TrimSpace(req.Suite)
	if suite == "" && len(req.Cases) == 0 {
		return nil, xerrors.New(CodeRunValidation, "必须指定套件名称或内联用例")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "评测运行服务未初始化")
	}

	runID := strings.TrimSpace(req.ID)
	if runID != "" {
		run, err := s.store.Get(ctx, runID)
		if err == nil {
			return run, nil
		}
		if !stdErrors.Is(err, ErrRunNotFound) {
			return nil, err
		}
	} else {
		runID = uuid.NewString()
	}

	if suite == "" {
		suite = "adhoc"
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.maxAttempts
	}

	run := &Run{
		ID:          runID,
		Suite:       suite,
		Cases:       cloneCases(req.Cases),
		Status:      StatusPending,
		Attempts:    0,
		MaxAttempts: maxAttempts,
	}
	if err := s.store.Create(ctx, run); err != nil {
		if stdErrors.Is(err, ErrRunConflict) {
			existing, getErr := s.store.Get(ctx, runID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrRunNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, runID); err != nil {
		logger.L().Error("评测运行入队失败", slog.Any("error", err), slog.String("run_id", runID))
		wrapped := xerrors.Wrap(CodeRunPublish, err, "发布评测运行到队列失败")
		_ = s.store.MarkFailed(ctx, runID, CodeRunPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("评测运行入队成功",
		slog.String("run_id", runID),
		slog.String("suite", run.Suite),
		slog.Int("case_count", len(run.Cases)),
		slog.Int("max_attempts", run.MaxAttempts),
	)
	return run, nil
}

// Get 返回指定评测运行的状态。
func (s *Service) Get(ctx context.Context, id string) (*Run, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "评测运行存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的评测运行列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Run, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "评测运行存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回符合过滤条件的评测运行统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (RunStats, error) {
	if s.store == nil {
		return RunStats{}, xerrors.New(xerrors.CodeInitializationFailure, "评测运行存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 在指定超时时间内轮询评测运行状态。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Run, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		run, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if run.Status == StatusSucceeded || run.Status == StatusFailed {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
