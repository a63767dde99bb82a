// Package api 暴露工作流的 REST 接口：提交作业、查询运行状态与诊断包，以及
// Prometheus 指标端点。
package api
