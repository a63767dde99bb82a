package llm

import (
	"context"

	"ChainForge/internal/pipeline"
)

// GenerationRequest 描述一次合约生成请求。
type GenerationRequest struct {
	WorkflowID string
	Prompt     string
	Intent     pipeline.Intent
	Guidelines []Guideline
}

// GeneratedContract 是模型返回的合约源码。
type GeneratedContract struct {
	Name   string
	Source string
	Model  string
}

// Guideline 表示提供给模型的编写规范，帮助生成可编译的代码。
type Guideline struct {
	Title   string
	Content string
}

// Client 定义了合约生成器的统一接口。
type Client interface {
	Generate(ctx context.Context, req GenerationRequest) (*GeneratedContract, error)
}
