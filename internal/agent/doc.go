// Package agent 把记忆、治理、预算、重试、执行引擎与心跳组装成一个显式的 State，
// 并提供 Init / Run / Interact / Teardown 生命周期。所有会修改状态的会话
// （心跳、交互、审批恢复、记忆定时器）共用一把会话锁。
package agent
