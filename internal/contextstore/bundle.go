package contextstore

import (
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zeebo/blake3"

	"ChainForge/internal/pipeline"
)

// DefaultArtifactPatterns 列出诊断包默认收录的工作区文件。
var DefaultArtifactPatterns = []string{
	"contracts/**/*.sol",
	"build/**/*.json",
	"remappings.txt",
}

// SystemInfo 描述生成诊断包时的主机环境。
type SystemInfo struct {
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	GoVersion string `json:"go_version"`
	Hostname  string `json:"hostname,omitempty"`
	NumCPU    int    `json:"num_cpu"`
}

// ArtifactEntry 是工作区中一个文件的摘要。
type ArtifactEntry struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Digest string `json:"blake3"`
}

// DiagnosticBundle 是一次运行的只读快照，在 Output 阶段生成一次。
type DiagnosticBundle struct {
	WorkflowID      string                    `json:"workflow_id"`
	CreatedAt       time.Time                 `json:"created_at"`
	System          SystemInfo                `json:"system"`
	ToolVersions    map[string]string         `json:"tool_versions"`
	EnvironmentPath string                    `json:"environment_path,omitempty"`
	Preserved       bool                      `json:"environment_preserved"`
	Suggestions     []string                  `json:"suggestions"`
	Artifacts       []ArtifactEntry           `json:"artifacts"`
	Context         *pipeline.WorkflowContext `json:"context"`
}

// BundleInput 是生成诊断包所需的外部信息。
type BundleInput struct {
	EnvironmentPath  string
	Preserved        bool
	ToolVersions     map[string]string
	Suggestions      []string
	ArtifactPatterns []string
}

// CollectSystemInfo 读取当前主机信息。
func CollectSystemInfo() SystemInfo {
	hostname, _ := os.Hostname()
	return SystemInfo{
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		GoVersion: runtime.Version(),
		Hostname:  hostname,
		NumCPU:    runtime.NumCPU(),
	}
}

// ListArtifacts 按 glob 模式列出工作区文件并计算 blake3 摘要。
// 路径相对于 root，结果按路径排序且去重。
func ListArtifacts(root string, patterns []string) ([]ArtifactEntry, error) {
	if root == "" {
		return nil, nil
	}
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("访问工作区失败: %w", err)
	}
	if len(patterns) == 0 {
		patterns = DefaultArtifactPatterns
	}

	fsys := os.DirFS(root)
	seen := make(map[string]struct{})
	var entries []ArtifactEntry
	for _, pattern := range patterns {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return nil, fmt.Errorf("匹配模式 %s 失败: %w", pattern, err)
		}
		for _, match := range matches {
			if _, ok := seen[match]; ok {
				continue
			}
			seen[match] = struct{}{}
			entry, ok, err := describe(fsys, match)
			if err != nil {
				return nil, err
			}
			if ok {
				entries = append(entries, entry)
			}
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func describe(fsys fs.FS, name string) (ArtifactEntry, bool, error) {
	info, err := fs.Stat(fsys, name)
	if err != nil {
		return ArtifactEntry{}, false, fmt.Errorf("读取 %s 信息失败: %w", name, err)
	}
	if info.IsDir() {
		return ArtifactEntry{}, false, nil
	}
	file, err := fsys.Open(name)
	if err != nil {
		return ArtifactEntry{}, false, fmt.Errorf("打开 %s 失败: %w", name, err)
	}
	defer file.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return ArtifactEntry{}, false, fmt.Errorf("计算 %s 摘要失败: %w", name, err)
	}
	return ArtifactEntry{
		Path:   filepath.ToSlash(name),
		Size:   info.Size(),
		Digest: hex.EncodeToString(hasher.Sum(nil)),
	}, true, nil
}

// Digest 返回内容的 blake3 十六进制摘要。
func Digest(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}
