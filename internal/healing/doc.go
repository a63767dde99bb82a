// Package healing 实现阶段失败的分类、自动修复与有界重试。
//
// 分类由有序规则表完成，每个分类最多对应一个注册的修复动作。
// 每次修复尝试（无论是否生效）都计入重试次数。
package healing
