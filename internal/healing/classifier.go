package healing

import (
	"context"
	stdErrors "errors"
	"net"
	"regexp"
	"strings"

	xerrors "ChainForge/internal/errors"
	"ChainForge/internal/pipeline"
)

// Matcher 判断错误是否属于某个分类。text 为小写后的错误文本。
type Matcher func(err error, stage pipeline.Stage, text string) bool

// Rule 是分类表中的一项。
type Rule struct {
	Category pipeline.ErrorCategory
	Match    Matcher
}

// Classifier 按顺序匹配规则，第一条命中的规则决定分类。
type Classifier struct {
	rules []Rule
}

// NewClassifier 使用给定规则构造分类器，为空时使用默认规则。
func NewClassifier(rules ...Rule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Classifier{rules: rules}
}

// Rules 返回规则副本。
func (c *Classifier) Rules() []Rule {
	return append([]Rule(nil), c.rules...)
}

// Classify 返回错误的分类，未命中任何规则时为 UNKNOWN。
func (c *Classifier) Classify(err error, stage pipeline.Stage) pipeline.ErrorCategory {
	if err == nil {
		return ""
	}
	text := strings.ToLower(err.Error())
	for _, rule := range c.rules {
		if rule.Match(err, stage, text) {
			return rule.Category
		}
	}
	return pipeline.CategoryUnknown
}

var (
	missingSourcePattern = regexp.MustCompile(`source "([^"]+)" not found`)
	missingImportPattern = regexp.MustCompile(`Source "([^"]+)" not found`)
)

// DefaultRules 返回内置分类规则，顺序即优先级。
func DefaultRules() []Rule {
	return []Rule{
		{Category: pipeline.CategoryToolNotFound, Match: matchToolNotFound},
		{Category: pipeline.CategoryNetworkTimeout, Match: matchNetworkTimeout},
		{Category: pipeline.CategoryMissingDependency, Match: matchMissingDependency},
		{Category: pipeline.CategoryConstructorMismatch, Match: matchAny(
			"wrong argument count for modifier invocation",
			"no arguments passed to the base constructor",
			"wrong argument count for function call",
			"contract should be marked as abstract",
			"constructor arguments mismatch",
		)},
		{Category: pipeline.CategoryCompilationSyntax, Match: matchAny(
			"parsererror",
			"syntaxerror",
			"declarationerror",
			"expected pragma",
			"expected ';'",
			"invalid character",
			"unterminated string",
		)},
	}
}

func matchToolNotFound(err error, stage pipeline.Stage, text string) bool {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeToolNotFound, xerrors.CodeToolTimeout:
		return true
	}
	if stdErrors.Is(err, context.DeadlineExceeded) && !stage.Network() {
		return true
	}
	return strings.Contains(text, "command not found") ||
		strings.Contains(text, "executable file not found")
}

func matchNetworkTimeout(err error, _ pipeline.Stage, text string) bool {
	if xerrors.CodeOf(err) == xerrors.CodeTimeout || stdErrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if stdErrors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	for _, needle := range []string{"timeout", "timed out", "deadline exceeded", "connection reset", "etimedout", "too many requests"} {
		if strings.Contains(text, needle) {
			return true
		}
	}
	return false
}

func matchMissingDependency(_ error, _ pipeline.Stage, text string) bool {
	if missingSourcePattern.MatchString(text) {
		return true
	}
	return strings.Contains(text, "file import callback not supported") ||
		strings.Contains(text, "cannot find module")
}

func matchAny(needles ...string) Matcher {
	return func(_ error, _ pipeline.Stage, text string) bool {
		for _, needle := range needles {
			if strings.Contains(text, needle) {
				return true
			}
		}
		return false
	}
}

// MissingImports 提取编译错误中缺失的导入路径。
func MissingImports(message string) []string {
	var imports []string
	for _, match := range missingImportPattern.FindAllStringSubmatch(message, -1) {
		imports = append(imports, match[1])
	}
	return imports
}
