// Package mysql 提供基于 MySQL 的工作流上下文仓库与作业状态存储，并负责执行内嵌的
// 建表迁移。
package mysql
