// Package config 提供 FleetGuard 的配置管理功能。
//
// 包含配置加载（默认值 → YAML → FLEETGUARD_* 环境变量）、校验、
// 到核心库与持久化配置的映射，以及配置文件轮询重载。
package config
