package pythonbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	xerrors "ChainForge/internal/errors"
	"ChainForge/internal/llm"
	"ChainForge/internal/toolchain"
)

// Client 通过调用本地 Python 脚本生成合约，脚本从 stdin 读取 JSON 请求，
// 向 stdout 输出 {"contract_name": ..., "source": ...}。
type Client struct {
	pythonExec string
	scriptPath string
	workingDir string
	runner     toolchain.Runner
}

// NewClient 创建 Python Bridge 客户端。
func NewClient(pythonExec, scriptPath, workingDir string) (*Client, error) {
	if scriptPath == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未指定 Python 脚本路径")
	}
	if pythonExec == "" {
		pythonExec = "python3"
	}
	return &Client{
		pythonExec: pythonExec,
		scriptPath: scriptPath,
		workingDir: workingDir,
		runner:     toolchain.ExecRunner{},
	}, nil
}

// Generate 实现 llm.Client。
func (c *Client) Generate(ctx context.Context, req llm.GenerationRequest) (*llm.GeneratedContract, error) {
	guidelines := make([]map[string]string, 0, len(req.Guidelines))
	for _, g := range req.Guidelines {
		guidelines = append(guidelines, map[string]string{"title": g.Title, "content": g.Content})
	}
	payload := map[string]any{
		"workflow_id": req.WorkflowID,
		"prompt":      req.Prompt,
		"kind":        req.Intent.Kind,
		"name":        req.Intent.Name,
		"symbol":      req.Intent.Symbol,
		"features":    req.Intent.Features,
		"guidelines":  guidelines,
		"timestamp":   time.Now().Unix(),
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	path, err := toolchain.Locate("python3", c.pythonExec)
	if err != nil {
		return nil, err
	}
	result, err := c.runner.Run(ctx, toolchain.Command{
		Name:  "python3",
		Path:  path,
		Args:  []string{c.scriptPath},
		Dir:   c.workingDir,
		Stdin: encoded,
	})
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeToolTimeout {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "Python 生成脚本超时")
		}
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, xerrors.New(xerrors.CodeGenerationFailed,
			fmt.Sprintf("执行 Python 脚本失败 (exit %d): %s", result.ExitCode, strings.TrimSpace(string(result.Stderr))))
	}

	var resp struct {
		ContractName string `json:"contract_name"`
		Source       string `json:"source"`
		Model        string `json:"model"`
	}
	if err := json.Unmarshal(result.Stdout, &resp); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeGenerationFailed, err, "解析 Python 输出失败")
	}
	if strings.TrimSpace(resp.Source) == "" {
		return nil, xerrors.New(xerrors.CodeGenerationFailed, "Python 脚本未返回源码")
	}
	name := resp.ContractName
	if name == "" {
		name = req.Intent.Name
	}
	model := resp.Model
	if model == "" {
		model = "python-bridge"
	}
	return &llm.GeneratedContract{Name: name, Source: resp.Source, Model: model}, nil
}

// ResolveScriptPath 根据工作目录推导脚本绝对路径。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" {
		return ""
	}
	if filepath.IsAbs(script) {
		return script
	}
	if baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}
