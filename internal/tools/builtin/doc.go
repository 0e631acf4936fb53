// Package builtin 提供随 Warden 一起发布的受治理工具。
package builtin
