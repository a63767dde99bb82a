// Package pipeline 定义合约流水线中各组件共享的数据模型：
// 阶段、阶段结果、工作流上下文以及单次运行的内存状态。
package pipeline
