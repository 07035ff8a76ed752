// Package lib 包含基础设施工具库
//
// 本目录包含与架构组件无关的通用工具库：
//
//   - bytebuf: 引用计数的分段字节缓冲区
//   - cachemap: 分段过期缓存
//   - log: 日志封装
//
// # 使用示例
//
//	import (
//	    "github.com/dep2p/go-overlay/pkg/lib/bytebuf"
//	    "github.com/dep2p/go-overlay/pkg/lib/log"
//	)
package lib
