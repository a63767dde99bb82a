// Package dependency 识别生成合约引用的外部库，把它们安装进隔离环境，
// 并维护编译器使用的路径映射。多个运行共享的包缓存按依赖名加锁。
package dependency
