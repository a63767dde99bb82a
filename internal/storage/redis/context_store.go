package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"ChainForge/internal/contextstore"
	xerrors "ChainForge/internal/errors"
	"ChainForge/internal/pipeline"
)

// ContextStore 将上下文与诊断包以 JSON 字符串保存到 Redis，可选过期时间。
type ContextStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewContextStore 创建存储。ttl 为 0 时记录不过期。
func NewContextStore(client *redis.Client, prefix string, ttl time.Duration) *ContextStore {
	return &ContextStore{client: client, prefix: normalizePrefix(prefix), ttl: ttl}
}

// ContextKey 返回上下文所在的键。
func (s *ContextStore) ContextKey(workflowID string) string {
	return s.prefix + ":workflow:" + workflowID
}

// BundleKey 返回诊断包所在的键。
func (s *ContextStore) BundleKey(workflowID string) string {
	return s.prefix + ":diagnostics:" + workflowID
}

// SaveContext 实现 contextstore.Storage。
func (s *ContextStore) SaveContext(ctx context.Context, wf *pipeline.WorkflowContext) error {
	if wf.WorkflowID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "非法的工作流 ID")
	}
	payload, err := json.Marshal(wf)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化工作流上下文失败")
	}
	if err := s.client.Set(ctx, s.ContextKey(wf.WorkflowID), payload, s.ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 失败")
	}
	return nil
}

// LoadContext 实现 contextstore.Storage。
func (s *ContextStore) LoadContext(ctx context.Context, workflowID string) (*pipeline.WorkflowContext, error) {
	payload, err := s.client.Get(ctx, s.ContextKey(workflowID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, xerrors.New(xerrors.CodeNotFound, "工作流记录不存在")
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 失败")
	}
	var wf pipeline.WorkflowContext
	if err := json.Unmarshal(payload, &wf); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析工作流上下文失败")
	}
	return &wf, nil
}

// SaveBundle 实现 contextstore.Storage，使用 SETNX 保证只写一次。
func (s *ContextStore) SaveBundle(ctx context.Context, bundle *contextstore.DiagnosticBundle) (string, error) {
	if bundle.WorkflowID == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "非法的工作流 ID")
	}
	payload, err := json.Marshal(bundle)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化诊断包失败")
	}
	key := s.BundleKey(bundle.WorkflowID)
	created, err := s.client.SetNX(ctx, key, payload, s.ttl).Result()
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入诊断包失败")
	}
	if !created {
		return "", xerrors.New(xerrors.CodeConflict, "诊断包已存在")
	}
	return "redis://" + key, nil
}

// LoadBundle 实现 contextstore.Storage。
func (s *ContextStore) LoadBundle(ctx context.Context, workflowID string) (*contextstore.DiagnosticBundle, error) {
	payload, err := s.client.Get(ctx, s.BundleKey(workflowID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, xerrors.New(xerrors.CodeNotFound, "诊断包不存在")
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取诊断包失败")
	}
	var bundle contextstore.DiagnosticBundle
	if err := json.Unmarshal(payload, &bundle); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析诊断包失败")
	}
	return &bundle, nil
}

var _ contextstore.Storage = (*ContextStore)(nil)
