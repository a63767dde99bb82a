// Package redis 提供基于 Redis 的工作流上下文存储与跨进程依赖安装锁。
package redis
