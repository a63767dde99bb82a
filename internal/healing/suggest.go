package healing

import (
	"fmt"

	xerrors "ChainForge/internal/errors"
	"ChainForge/internal/pipeline"
)

// Suggest 根据错误分类给出可操作的建议。
func Suggest(stage pipeline.Stage, category pipeline.ErrorCategory, err error) string {
	switch category {
	case pipeline.CategoryToolNotFound:
		tool := xerrors.MetadataValue(err, xerrors.MetaTool)
		if tool == "" {
			return fmt.Sprintf("%s 阶段所需的外部工具不可用或执行超时，请检查工具安装与 PATH 配置", stage)
		}
		if hint := xerrors.MetadataValue(err, xerrors.MetaHint); hint != "" {
			return fmt.Sprintf("缺少工具 %s：%s", tool, hint)
		}
		return fmt.Sprintf("工具 %s 不可用或执行超时，请确认已安装", tool)
	case pipeline.CategoryNetworkTimeout:
		return fmt.Sprintf("%s 阶段网络超时：检查 RPC/API 端点可用性后重新运行，或调大 pipeline.stage_timeouts.%s", stage, stage)
	case pipeline.CategoryMissingDependency:
		return "编译缺少依赖：确认 npm 可访问，或在 dependency cache 中预置对应包"
	case pipeline.CategoryCompilationSyntax:
		return "生成的源码存在语法错误且自动修复未能解决，请检查工作区中的合约源码"
	case pipeline.CategoryConstructorMismatch:
		return "基类构造参数不匹配，请在合约构造函数中显式传入基类参数"
	default:
		if err != nil {
			return fmt.Sprintf("%s 阶段失败：%v", stage, err)
		}
		return fmt.Sprintf("%s 阶段失败，请查看诊断包", stage)
	}
}
