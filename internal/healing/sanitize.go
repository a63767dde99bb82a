package healing

import (
	"fmt"
	"regexp"
	"strings"

	"ChainForge/internal/pipeline"
)

// DefaultPragma 是源码缺少版本声明时补充的 pragma。
const DefaultPragma = "pragma solidity ^0.8.20;"

const (
	spdxHeader = "// SPDX-License-Identifier: MIT"
	bom        = "\ufeff"
)

var (
	fencePattern     = regexp.MustCompile("(?s)```[A-Za-z]*[ \t]*\r?\n(.*?)```")
	codeLinePrefixes = []string{"//", "/*", "*", "pragma", "import", "contract", "abstract", "library", "interface", "using", "struct", "enum", "error", "event", "function", "type"}
	quoteReplacer    = strings.NewReplacer(
		"\u201c", `"`, "\u201d", `"`,
		"\u2018", "'", "\u2019", "'",
		"\u00a0", " ",
		"\r\n", "\n",
	)
)

// Sanitize 清理模型输出中常见的格式残留：BOM、智能引号、Markdown 代码块、
// 代码前后的说明文字，并补齐 SPDX 与 pragma。返回清理后的源码与所做改动。
func Sanitize(source string) (string, []string) {
	var changes []string
	out := source

	if strings.HasPrefix(out, bom) {
		out = strings.TrimPrefix(out, bom)
		changes = append(changes, "strip_bom")
	}
	if replaced := quoteReplacer.Replace(out); replaced != out {
		out = replaced
		changes = append(changes, "normalize_quotes")
	}
	if match := fencePattern.FindStringSubmatch(out); match != nil {
		out = match[1]
		changes = append(changes, "strip_code_fence")
	}

	lines := strings.Split(out, "\n")
	start := 0
	for start < len(lines) && !isCodeLine(lines[start]) {
		start++
	}
	end := len(lines)
	for end > start && strings.TrimSpace(lines[end-1]) != "}" && !strings.HasSuffix(strings.TrimSpace(lines[end-1]), "}") {
		end--
	}
	if end == start {
		end = len(lines)
	}
	if trimmed := strings.Join(lines[start:end], "\n"); strings.TrimSpace(trimmed) != strings.TrimSpace(out) {
		out = trimmed
		changes = append(changes, "strip_prose")
	}

	if !strings.Contains(out, "SPDX-License-Identifier") {
		out = spdxHeader + "\n" + out
		changes = append(changes, "add_spdx")
	}
	if !strings.Contains(out, "pragma solidity") {
		out = insertAfterSPDX(out, DefaultPragma)
		changes = append(changes, "add_pragma")
	}

	out = strings.TrimSpace(out) + "\n"
	return out, changes
}

func isCodeLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	for _, prefix := range codeLinePrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	return false
}

func insertAfterSPDX(source, line string) string {
	lines := strings.Split(source, "\n")
	for i, current := range lines {
		if strings.Contains(current, "SPDX-License-Identifier") {
			rest := append([]string{line}, lines[i+1:]...)
			return strings.Join(append(lines[:i+1], rest...), "\n")
		}
	}
	return line + "\n" + source
}

// BaseArgs 提供注入基类构造参数时使用的名称与符号。
type BaseArgs struct {
	Name   string
	Symbol string
}

var (
	contractDeclPattern = regexp.MustCompile(`(?m)^\s*contract\s+(\w+)\s+is\s+([^{]+)\{`)
	constructorPattern  = regexp.MustCompile(`constructor\s*\(([^)]*)\)([^{]*)\{`)
)

// InjectBaseConstructors 为缺少构造参数的常见基类（ERC20、ERC721、Ownable）补充调用。
// 只处理第一个带继承列表的合约。
func InjectBaseConstructors(source string, args BaseArgs) (string, []string) {
	decl := contractDeclPattern.FindStringSubmatchIndex(source)
	if decl == nil {
		return source, nil
	}
	contractName := source[decl[2]:decl[3]]
	inheritance := source[decl[4]:decl[5]]
	bodyStart := decl[1]

	name := args.Name
	if name == "" {
		name = contractName
	}
	symbol := args.Symbol
	if symbol == "" {
		symbol = pipeline.DeriveSymbol(name)
	}

	ctorLoc := constructorPattern.FindStringSubmatchIndex(source[bodyStart:])
	ctorHeader := ""
	if ctorLoc != nil {
		ctorHeader = source[bodyStart+ctorLoc[0] : bodyStart+ctorLoc[1]]
	}

	var invocations, changes []string
	for _, base := range []string{"ERC20", "ERC721", "Ownable"} {
		if !inherits(inheritance, base) {
			continue
		}
		if strings.Contains(inheritance, base+"(") || strings.Contains(ctorHeader, base+"(") {
			continue
		}
		switch base {
		case "ERC20", "ERC721":
			invocations = append(invocations, fmt.Sprintf("%s(%q, %q)", base, name, symbol))
		case "Ownable":
			invocations = append(invocations, "Ownable(msg.sender)")
		}
		changes = append(changes, "inject_"+strings.ToLower(base)+"_constructor")
	}
	if len(invocations) == 0 {
		return source, nil
	}

	call := strings.Join(invocations, " ")
	if ctorLoc == nil {
		insertion := fmt.Sprintf("\n    constructor() %s {}\n", call)
		return source[:bodyStart] + insertion + source[bodyStart:], changes
	}
	brace := bodyStart + ctorLoc[1] - 1
	prefix := strings.TrimRight(source[:brace], " \t")
	return prefix + " " + call + " " + source[brace:], changes
}

func inherits(inheritance, base string) bool {
	for _, part := range strings.Split(inheritance, ",") {
		part = strings.TrimSpace(part)
		if idx := strings.IndexByte(part, '('); idx >= 0 {
			part = strings.TrimSpace(part[:idx])
		}
		if part == base {
			return true
		}
	}
	return false
}
