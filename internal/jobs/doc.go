// Package jobs 为 API 模式提供异步执行：Service 创建作业并投递到队列，
// Processor 从队列取出作业交给编排器执行。队列支持内存、Redis 与 RabbitMQ。
package jobs
