package dependency

import (
	"regexp"
	"sort"
	"strings"
)

var importPattern = regexp.MustCompile(`(?m)^\s*import\s+(?:[^'";]*?\bfrom\s+)?["']([^"']+)["']`)

// Detect 扫描 Solidity 源码中的 import 语句并返回去重排序后的 npm 包名。
// 相对路径引用属于本地文件，不作为依赖。
func Detect(source string) []string {
	seen := make(map[string]struct{})
	for _, match := range importPattern.FindAllStringSubmatch(source, -1) {
		pkg := PackageOf(match[1])
		if pkg == "" {
			continue
		}
		seen[pkg] = struct{}{}
	}
	deps := make([]string, 0, len(seen))
	for pkg := range seen {
		deps = append(deps, pkg)
	}
	sort.Strings(deps)
	return deps
}

// PackageOf 把导入路径转换为包名，例如
// "@openzeppelin/contracts/token/ERC20/ERC20.sol" 对应 "@openzeppelin/contracts"。
func PackageOf(importPath string) string {
	importPath = strings.TrimSpace(importPath)
	if importPath == "" || strings.HasPrefix(importPath, ".") || strings.HasPrefix(importPath, "/") {
		return ""
	}
	parts := strings.Split(importPath, "/")
	if strings.HasPrefix(importPath, "@") {
		if len(parts) < 2 || parts[1] == "" {
			return ""
		}
		return parts[0] + "/" + parts[1]
	}
	if strings.HasSuffix(parts[0], ".sol") {
		return ""
	}
	return parts[0]
}
