// Package verify 通过 Etherscan 兼容的接口提交源码验证，属于尽力而为的非关键阶段。
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	xerrors "ChainForge/internal/errors"
	"ChainForge/internal/pipeline"
	"ChainForge/internal/web3"
)

// Config 描述浏览器验证接口。
type Config struct {
	APIURL       string
	APIKey       string
	PollInterval time.Duration
	MaxPolls     int
	HTTPClient   *http.Client
}

// Request 描述一次验证。
type Request struct {
	APIURL          string
	ChainID         string
	Address         string
	ContractName    string
	Workspace       string
	SourcePath      string
	CompilerVersion string
	Optimize        bool
	Runs            int
}

// Client 实现 Etherscan 风格的 verifysourcecode / checkverifystatus 流程。
type Client struct {
	apiURL     string
	apiKey     string
	poll       time.Duration
	maxPolls   int
	httpClient *http.Client
}

// NewClient 创建验证客户端。
func NewClient(cfg Config) *Client {
	client := &Client{
		apiURL:     strings.TrimSpace(cfg.APIURL),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		poll:       cfg.PollInterval,
		maxPolls:   cfg.MaxPolls,
		httpClient: cfg.HTTPClient,
	}
	if client.poll <= 0 {
		client.poll = 5 * time.Second
	}
	if client.maxPolls <= 0 {
		client.maxPolls = 12
	}
	if client.httpClient == nil {
		client.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return client
}

type apiResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Result  string `json:"result"`
}

// Verify 提交源码并轮询验证状态。
func (c *Client) Verify(ctx context.Context, req Request) (*pipeline.VerificationResult, error) {
	endpoint := req.APIURL
	if endpoint == "" {
		endpoint = c.apiURL
	}
	if endpoint == "" {
		return nil, xerrors.New(xerrors.CodeVerificationFailed, "未配置区块浏览器 API 地址")
	}
	if c.apiKey == "" {
		return nil, xerrors.New(xerrors.CodeVerificationFailed, "未配置区块浏览器 API Key")
	}

	input, err := StandardJSONInput(req.Workspace, req.SourcePath, req.Optimize, req.Runs)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeVerificationFailed, err, "收集验证源码失败")
	}
	rel, err := filepath.Rel(req.Workspace, req.SourcePath)
	if err != nil {
		rel = filepath.Base(req.SourcePath)
	}

	form := url.Values{}
	form.Set("module", "contract")
	form.Set("action", "verifysourcecode")
	form.Set("apikey", c.apiKey)
	form.Set("contractaddress", req.Address)
	form.Set("sourceCode", string(input))
	form.Set("codeformat", "solidity-standard-json-input")
	form.Set("contractname", filepath.ToSlash(rel)+":"+req.ContractName)
	form.Set("compilerversion", CompilerVersion(req.CompilerVersion))
	if req.ChainID != "" {
		form.Set("chainid", req.ChainID)
	}

	submitted, err := c.post(ctx, endpoint, form)
	if err != nil {
		return nil, err
	}
	if submitted.Status != "1" {
		return nil, xerrors.New(xerrors.CodeVerificationFailed, fmt.Sprintf("提交验证失败: %s", submitted.Result))
	}
	guid := submitted.Result

	for i := 0; i < c.maxPolls; i++ {
		select {
		case <-ctx.Done():
			return nil, web3.WrapRPCError(ctx.Err(), xerrors.CodeVerificationFailed, "等待验证结果")
		case <-time.After(c.poll):
		}
		status, err := c.check(ctx, endpoint, guid, req.ChainID)
		if err != nil {
			return nil, err
		}
		result := strings.TrimSpace(status.Result)
		switch {
		case strings.HasPrefix(strings.ToLower(result), "pending"):
			continue
		case status.Status == "1" || strings.Contains(strings.ToLower(result), "already verified"):
			return &pipeline.VerificationResult{GUID: guid, Status: "verified", Message: result, Explorer: endpoint}, nil
		default:
			return nil, xerrors.New(xerrors.CodeVerificationFailed, fmt.Sprintf("验证未通过: %s", result))
		}
	}
	return &pipeline.VerificationResult{GUID: guid, Status: "pending", Message: "验证仍在排队", Explorer: endpoint}, nil
}

func (c *Client) check(ctx context.Context, endpoint, guid, chainID string) (apiResponse, error) {
	query := url.Values{}
	query.Set("module", "contract")
	query.Set("action", "checkverifystatus")
	query.Set("guid", guid)
	query.Set("apikey", c.apiKey)
	if chainID != "" {
		query.Set("chainid", chainID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return apiResponse{}, xerrors.Wrap(xerrors.CodeVerificationFailed, err, "构建验证查询失败")
	}
	return c.do(req)
}

func (c *Client) post(ctx context.Context, endpoint string, form url.Values) (apiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return apiResponse{}, xerrors.Wrap(xerrors.CodeVerificationFailed, err, "构建验证请求失败")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

func (c *Client) do(req *http.Request) (apiResponse, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apiResponse{}, web3.WrapRPCError(err, xerrors.CodeVerificationFailed, "调用区块浏览器失败")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apiResponse{}, xerrors.Wrap(xerrors.CodeVerificationFailed, err, "读取区块浏览器响应失败")
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusGatewayTimeout {
		return apiResponse{}, xerrors.New(xerrors.CodeTimeout, fmt.Sprintf("区块浏览器繁忙: HTTP %d", resp.StatusCode))
	}
	if resp.StatusCode >= 300 {
		return apiResponse{}, xerrors.New(xerrors.CodeVerificationFailed, fmt.Sprintf("区块浏览器返回 HTTP %d", resp.StatusCode))
	}
	var out apiResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return apiResponse{}, xerrors.Wrap(xerrors.CodeVerificationFailed, err, "解析区块浏览器响应失败")
	}
	return out, nil
}

// CompilerVersion 将 solc 版本串规范化为浏览器要求的格式，例如 v0.8.24+commit.e11b9ed9。
func CompilerVersion(raw string) string {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "v")
	if raw == "" {
		return ""
	}
	version, rest, ok := strings.Cut(raw, "+commit.")
	if !ok {
		return "v" + raw
	}
	hash, _, _ := strings.Cut(rest, ".")
	return "v" + version + "+commit." + hash
}

var importPattern = regexp.MustCompile(`(?m)^\s*import\s+(?:[^'"]*\bfrom\s+)?["']([^"']+)["']`)

// StandardJSONInput 从入口文件开始递归收集 import，生成 solc standard-json 输入。
func StandardJSONInput(workspace, entry string, optimize bool, runs int) ([]byte, error) {
	remappings := readRemappings(workspace)
	sources := map[string]map[string]string{}

	rel, err := filepath.Rel(workspace, entry)
	if err != nil {
		return nil, err
	}
	queue := []string{filepath.ToSlash(rel)}
	for len(queue) > 0 {
		unit := queue[0]
		queue = queue[1:]
		if _, seen := sources[unit]; seen {
			continue
		}
		content, err := os.ReadFile(filepath.Join(workspace, filepath.FromSlash(resolveUnit(unit, remappings))))
		if err != nil {
			return nil, fmt.Errorf("读取 %s 失败: %w", unit, err)
		}
		sources[unit] = map[string]string{"content": string(content)}
		for _, match := range importPattern.FindAllStringSubmatch(string(content), -1) {
			queue = append(queue, joinImport(unit, match[1]))
		}
	}

	settings := map[string]any{
		"optimizer":       map[string]any{"enabled": optimize, "runs": runsOrDefault(runs)},
		"outputSelection": map[string]any{"*": map[string]any{"*": []string{"abi", "evm.bytecode"}}},
	}
	if len(remappings) > 0 {
		lines := make([]string, 0, len(remappings))
		for _, r := range remappings {
			lines = append(lines, r.prefix+"="+r.target)
		}
		sort.Strings(lines)
		settings["remappings"] = lines
	}
	return json.Marshal(map[string]any{
		"language": "Solidity",
		"sources":  sources,
		"settings": settings,
	})
}

type remapping struct {
	prefix string
	target string
}

func readRemappings(workspace string) []remapping {
	content, err := os.ReadFile(filepath.Join(workspace, "remappings.txt"))
	if err != nil {
		return nil
	}
	var out []remapping
	for _, line := range strings.Split(string(content), "\n") {
		prefix, target, ok := strings.Cut(strings.TrimSpace(line), "=")
		if ok && prefix != "" {
			out = append(out, remapping{prefix: prefix, target: target})
		}
	}
	// 最长前缀优先。
	sort.Slice(out, func(i, j int) bool { return len(out[i].prefix) > len(out[j].prefix) })
	return out
}

func resolveUnit(unit string, remappings []remapping) string {
	for _, r := range remappings {
		if strings.HasPrefix(unit, r.prefix) {
			return r.target + strings.TrimPrefix(unit, r.prefix)
		}
	}
	if !strings.HasPrefix(unit, "contracts/") && !strings.HasPrefix(unit, ".") {
		return "node_modules/" + unit
	}
	return unit
}

func joinImport(from, target string) string {
	if strings.HasPrefix(target, "./") || strings.HasPrefix(target, "../") {
		return path.Clean(path.Join(path.Dir(from), target))
	}
	return target
}

func runsOrDefault(runs int) int {
	if runs <= 0 {
		return 200
	}
	return runs
}
