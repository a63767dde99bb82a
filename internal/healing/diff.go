package healing

import (
	"github.com/pmezard/go-difflib/difflib"
)

// UnifiedDiff 生成修复前后源码的统一格式差异，写入错误记录便于排查。
func UnifiedDiff(name, before, after string) string {
	if before == after {
		return ""
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: "a/" + name,
		ToFile:   "b/" + name,
		Context:  2,
	})
	if err != nil {
		return ""
	}
	return diff
}
