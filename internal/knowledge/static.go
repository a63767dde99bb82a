package knowledge

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	xerrors "ChainForge/internal/errors"
	"ChainForge/internal/llm"
	"ChainForge/internal/pipeline"
)

// Provider 为生成阶段检索合约编写规范。
type Provider interface {
	Query(prompt string, kind pipeline.ContractKind) []llm.Guideline
}

// Snippet 是一条规范。Kinds 为空时适用于所有合约类型；Keywords 非空时至少命中一个才会返回。
type Snippet struct {
	Title    string   `json:"title" yaml:"title"`
	Content  string   `json:"content" yaml:"content"`
	Keywords []string `json:"keywords,omitempty" yaml:"keywords"`
	Kinds    []string `json:"kinds,omitempty" yaml:"kinds"`
}

// StaticProvider 在内存中的条目上做关键字打分检索。
type StaticProvider struct {
	items      []Snippet
	maxResults int
}

// NewStaticProvider 创建静态知识库，maxResults 不大于 0 时取 3。
func NewStaticProvider(items []Snippet, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticProvider{items: items, maxResults: maxResults}
}

// Default 返回内置规范。
func Default() *StaticProvider {
	return NewStaticProvider(DefaultSnippets(), 4)
}

// LoadStaticProvider 从文件加载条目。source 可以是单个 .json/.yaml 文件，也可以是
// doublestar 模式（如 "knowledge/**/*.yaml"），匹配到的文件按路径顺序合并。
func LoadStaticProvider(source string, maxResults int) (*StaticProvider, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "知识库路径不能为空")
	}
	paths, err := doublestar.FilepathGlob(source)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "知识库路径模式无效")
	}
	if len(paths) == 0 {
		return nil, xerrors.New(xerrors.CodeNotFound, "没有匹配的知识库文件: "+source)
	}
	sort.Strings(paths)

	var items []Snippet
	for _, path := range paths {
		entries, err := readSnippets(path)
		if err != nil {
			return nil, err
		}
		items = append(items, entries...)
	}
	return NewStaticProvider(items, maxResults), nil
}

func readSnippets(path string) ([]Snippet, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNotFound, err, "读取知识库文件失败", xerrors.WithMetadata("path", path))
	}
	var entries []Snippet
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &entries)
	default:
		err = json.Unmarshal(content, &entries)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析知识库文件失败", xerrors.WithMetadata("path", path))
	}
	return entries, nil
}

// Query 返回得分最高的若干条规范。同分时保持条目的声明顺序。
func (p *StaticProvider) Query(prompt string, kind pipeline.ContractKind) []llm.Guideline {
	if p == nil {
		return nil
	}
	prompt = strings.ToLower(strings.TrimSpace(prompt))

	type hit struct {
		snippet Snippet
		score   int
	}
	hits := make([]hit, 0, len(p.items))
	for _, item := range p.items {
		if s := score(item, prompt, kind); s > 0 {
			hits = append(hits, hit{snippet: item, score: s})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	limit := min(len(hits), p.maxResults)
	results := make([]llm.Guideline, 0, limit)
	for _, h := range hits[:limit] {
		results = append(results, llm.Guideline{Title: h.snippet.Title, Content: h.snippet.Content})
	}
	return results
}

// score 为 0 表示不适用。通用条目得 1 分，类型专属条目加 1 分，每命中一个关键字加 2 分。
func score(snippet Snippet, prompt string, kind pipeline.ContractKind) int {
	total := 1
	if len(snippet.Kinds) > 0 {
		if !containsFold(snippet.Kinds, string(kind)) {
			return 0
		}
		total++
	}
	if len(snippet.Keywords) == 0 {
		return total
	}
	matched := 0
	for _, keyword := range snippet.Keywords {
		keyword = strings.ToLower(strings.TrimSpace(keyword))
		if keyword != "" && strings.Contains(prompt, keyword) {
			matched++
		}
	}
	if matched == 0 {
		return 0
	}
	return total + 2*matched
}

func containsFold(list []string, value string) bool {
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), value) {
			return true
		}
	}
	return false
}

var _ Provider = (*StaticProvider)(nil)
