// Package workflow 实现工作流编排引擎。
//
// Orchestrator 按固定顺序执行 input_parsing → generation → dependency_resolution →
// compilation → audit → deployment → verification → output，每个阶段调用都由
// healing.Handler 包裹，每次尝试后立即持久化上下文。关键阶段失败后剩余阶段记为
// skipped，Output 阶段总会执行并生成诊断包。
//
// 只有基础设施级故障（隔离环境创建失败、上下文持久化失败）会以 error 返回，
// 阶段内的领域错误一律体现在 Result 与持久化的上下文中。
package workflow
