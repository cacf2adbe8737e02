// Package strategy 登记 fetch 拦截可选的取数策略（缓存优先、网络优先），
// 每个策略以有序的 Source 列表描述“先查哪里、再查哪里”，由 worker 按序执行，
// 全部落空后统一进入壳文档 / 503 兜底。
//
// 新策略通过 init() 中的 MustRegister 加入全局注册表，配置校验与诊断接口
// 都通过本包查询已注册的键。
package strategy
