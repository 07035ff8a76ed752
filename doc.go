// Package overlay 提供覆盖网络节点的连接与消息管道层
//
// 一个 Node 持有一个主节点：主节点拥有 TCP/UDP 监听、发送器、许可预留与定时器服务，
// 从节点挂在主节点下共享这些资源，只拥有自己的身份、地址与状态跟踪。
//
// # 快速开始
//
//	node, err := overlay.Start(ctx,
//	    overlay.WithListenPorts(7700, 7700),
//	    overlay.WithNetworkID(42),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Close()
//
//	slave, err := node.AttachSlave(ctx, types.EmptyPeerID)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	resp, err := node.Master().Ping(ctx, slave.Address(), true)
//
// # 层次
//
//	┌──────────────────────────────────────────────┐
//	│  Node / Peer                 (本包)          │
//	├──────────────────────────────────────────────┤
//	│  bootstrap   主从节点创建与关闭              │
//	├──────────────────────────────────────────────┤
//	│  sender / transport / dispatcher             │
//	├──────────────────────────────────────────────┤
//	│  connection / heartbeat / pipeline / codec   │
//	├──────────────────────────────────────────────┤
//	│  bytebuf / cachemap                          │
//	└──────────────────────────────────────────────┘
//
// 组装由 go.uber.org/fx 完成，见 fx.go。
package overlay
