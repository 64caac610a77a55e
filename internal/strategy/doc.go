// Package strategy 聚合站点可选的缓存读写策略，并提供统一的注册入口。
//
// 策略作者需要：
//  1. 在 internal/strategy/<key>/ 目录下实现 Handler；
//  2. 在 init() 中调用 MustRegister 注册 Metadata；
//  3. 在 internal/config/modules.go 中匿名导入该包。
//
// 旁路规则、动态分区写入条件与离线兜底由生命周期管理器统一处理，策略只决定先查缓存还是先走网络。
package strategy
