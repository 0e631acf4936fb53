// Package api 暴露操作员 REST 接口：运行状态、审批、重试队列、审计与对话。
package api
