package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "ChainForge/internal/errors"
	"ChainForge/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 90 * time.Second
)

// Config 描述了调用 OpenAI 兼容 Chat Completions API 所需的信息。
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	Temperature float64
}

// Client 通过 HTTP 调用 OpenAI 兼容接口生成合约源码。
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	httpClient  *http.Client
}

// NewClient 根据配置创建客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	temperature := cfg.Temperature
	if temperature <= 0 {
		temperature = 0.1
	}

	return &Client{
		apiKey:      apiKey,
		baseURL:     strings.TrimRight(baseURL, "/"),
		model:       model,
		temperature: temperature,
		httpClient:  &http.Client{Timeout: timeout},
	}, nil
}

// Generate 实现 llm.Client。
func (c *Client) Generate(ctx context.Context, req llm.GenerationRequest) (*llm.GeneratedContract, error) {
	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建 OpenAI 请求失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, llm.WrapTransportError(err, "请求 OpenAI 失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		code := xerrors.CodeGenerationFailed
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusGatewayTimeout {
			code = xerrors.CodeTimeout
		}
		return nil, xerrors.New(code, fmt.Sprintf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeGenerationFailed, err, "解析 OpenAI 响应失败")
	}
	if len(decoded.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeGenerationFailed, "OpenAI 响应中没有有效的 choices")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return nil, xerrors.New(xerrors.CodeGenerationFailed, "OpenAI 响应内容为空")
	}

	var structured struct {
		ContractName string `json:"contract_name"`
		Source       string `json:"source"`
	}
	if err := json.Unmarshal([]byte(content), &structured); err != nil || strings.TrimSpace(structured.Source) == "" {
		structured.Source = content
	}
	name := strings.TrimSpace(structured.ContractName)
	if name == "" {
		name = req.Intent.Name
	}
	model := decoded.Model
	if model == "" {
		model = c.model
	}
	return &llm.GeneratedContract{Name: name, Source: structured.Source, Model: model}, nil
}

func (c *Client) buildPayload(req llm.GenerationRequest) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	body := map[string]any{
		"model": c.model,
		"messages": []message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildUserPrompt(req)},
		},
		"temperature": c.temperature,
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化 OpenAI 请求失败: %w", err)
	}
	return encoded, nil
}

const systemPrompt = "" +
	"You write production Solidity contracts. " +
	"Respond with a compact JSON object: {\"contract_name\": string, \"source\": string}. " +
	"The source must be a single compilable file targeting solidity ^0.8.20 and may import OpenZeppelin contracts v5."

func buildUserPrompt(req llm.GenerationRequest) string {
	var builder strings.Builder
	builder.WriteString("## Request\n")
	builder.WriteString(strings.TrimSpace(req.Prompt))
	builder.WriteString("\n")
	if req.Intent.Kind != "" {
		builder.WriteString(fmt.Sprintf("Contract kind: %s\n", req.Intent.Kind))
	}
	if req.Intent.Name != "" {
		builder.WriteString(fmt.Sprintf("Contract name: %s\n", req.Intent.Name))
	}
	if req.Intent.Symbol != "" {
		builder.WriteString(fmt.Sprintf("Symbol: %s\n", req.Intent.Symbol))
	}
	if len(req.Intent.Features) > 0 {
		builder.WriteString(fmt.Sprintf("Features: %s\n", strings.Join(req.Intent.Features, ", ")))
	}

	if len(req.Guidelines) > 0 {
		builder.WriteString("\n## Guidelines\n")
		for idx, guideline := range req.Guidelines {
			builder.WriteString(fmt.Sprintf("[%d] %s: %s\n", idx+1, strings.TrimSpace(guideline.Title), truncate(guideline.Content)))
			if idx >= 4 {
				break
			}
		}
	}
	return builder.String()
}

func truncate(text string) string {
	text = strings.TrimSpace(text)
	if len([]rune(text)) > 240 {
		return string([]rune(text)[:240]) + "..."
	}
	return text
}
