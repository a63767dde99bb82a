// Package contextstore 负责工作流上下文的持久化与诊断包生成。
// 编排器独占 WorkflowContext 的修改权，本包只负责记录与落盘。
package contextstore
