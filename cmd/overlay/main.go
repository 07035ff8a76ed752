// Package main 提供 overlay 命令行入口
//
// 启动一个主节点与若干从节点，可选地周期 ping 一个远端节点。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	overlay "github.com/dep2p/go-overlay"
	"github.com/dep2p/go-overlay/pkg/lib/log"
	"github.com/dep2p/go-overlay/pkg/types"
)

var logger = log.Logger("overlay/cmd")

// passphraseEnv 密钥文件口令的环境变量
const passphraseEnv = "OVERLAY_KEY_PASSPHRASE"

// ═══════════════════════════════════════════════════════════════════════════
// 命令行参数
// ═══════════════════════════════════════════════════════════════════════════
//
//   命令行参数：运行时覆盖（「这次运行」想怎么跑）
//   JSON 配置文件：持久化配置（「这个节点」的固定配置）
//
// ═══════════════════════════════════════════════════════════════════════════
var (
	// ─────────────────────────────────────────────────────────────────────
	// 运行时参数
	// ─────────────────────────────────────────────────────────────────────
	configFile   = flag.String("config", "", "配置文件路径")
	tcpPort      = flag.Int("tcp-port", 0, "TCP 监听端口（0 = 随机端口）")
	udpPort      = flag.Int("udp-port", 0, "UDP 监听端口（0 = 随机端口）")
	networkID    = flag.Uint("network", 0, "网络标识（0 = 使用配置）")
	identityFile = flag.String("identity", "", "主节点身份密钥文件路径")
	publicAddr   = flag.String("public-addr", "", "对外地址，设置后跳过网卡发现")
	loopback     = flag.Bool("loopback", false, "允许使用回环地址（本机测试）")
	firewalled   = flag.Bool("firewalled", false, "节点位于防火墙后，对外地址标记为不可直接入站")

	// ─────────────────────────────────────────────────────────────────────
	// 从节点与探测
	// ─────────────────────────────────────────────────────────────────────
	slaves       = flag.Int("slaves", 0, "在主节点下创建的从节点数量")
	pingTarget   = flag.String("ping", "", "周期 ping 的远端节点：<peerID>@<ip>:<tcp>:<udp>")
	pingInterval = flag.Duration("ping-interval", 5*time.Second, "ping 间隔")
	pingUDP      = flag.Bool("ping-udp", true, "使用 UDP ping；false 时使用 TCP")

	// ─────────────────────────────────────────────────────────────────────
	// 观测
	// ─────────────────────────────────────────────────────────────────────
	metricsAddr = flag.String("metrics-addr", "", "Prometheus 指标监听地址，例如 :9100")
	logLevel    = flag.String("log-level", "info", "日志级别 (debug/info/warn/error)")
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flag.Parse()

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(*logLevel)); err != nil {
		return fmt.Errorf("无效的日志级别 %q: %w", *logLevel, err)
	}
	log.SetLevel(lvl)

	opts, err := buildOptions()
	if err != nil {
		return fmt.Errorf("配置错误: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var target *types.PeerAddress
	if *pingTarget != "" {
		addr, err := parseTarget(*pingTarget)
		if err != nil {
			return err
		}
		target = &addr
	}

	fmt.Println("正在启动 overlay 节点...")
	node, err := overlay.Start(ctx, opts...)
	if err != nil {
		return fmt.Errorf("启动失败: %w", err)
	}
	defer func() {
		fmt.Println("\n正在关闭节点...")
		if err := node.Close(); err != nil {
			logger.Warn("关闭节点出错", "error", err)
		}
	}()

	for i := 0; i < *slaves; i++ {
		if _, err := node.AttachSlave(ctx, types.EmptyPeerID); err != nil {
			return fmt.Errorf("创建从节点失败: %w", err)
		}
	}
	printNodeInfo(node)

	if *metricsAddr != "" {
		srv := startMetricsServer(*metricsAddr)
		defer func() { _ = srv.Close() }()
	}

	if target != nil {
		go pingLoop(ctx, node, *target)
	}

	fmt.Println("节点已启动，按 Ctrl+C 退出")
	<-ctx.Done()
	return nil
}

// buildOptions 构建选项
//
// 配置优先级（从高到低）：命令行参数、配置文件、默认值。
func buildOptions() ([]overlay.Option, error) {
	var opts []overlay.Option

	if *configFile != "" {
		opts = append(opts, overlay.WithConfigFile(*configFile))
	}
	if isFlagSet("tcp-port") || isFlagSet("udp-port") {
		opts = append(opts, overlay.WithListenPorts(*tcpPort, *udpPort))
	}
	if *networkID != 0 {
		if *networkID > 1<<32-1 {
			return nil, fmt.Errorf("network id %d out of range", *networkID)
		}
		opts = append(opts, overlay.WithNetworkID(uint32(*networkID)))
	}
	if *identityFile != "" {
		opts = append(opts, overlay.WithIdentityKeyFile(*identityFile))
		// 口令只从环境变量读取，避免出现在进程参数里
		if pass := os.Getenv(passphraseEnv); pass != "" {
			opts = append(opts, overlay.WithIdentityPassphrase(pass))
		}
	}
	if *publicAddr != "" {
		opts = append(opts, overlay.WithExternalAddress(*publicAddr))
	}
	if isFlagSet("loopback") {
		opts = append(opts, overlay.WithLoopback(*loopback))
	}
	if isFlagSet("firewalled") {
		opts = append(opts, overlay.WithBehindFirewall(*firewalled))
	}
	if *slaves < 0 {
		return nil, errors.New("slaves must not be negative")
	}
	return opts, nil
}

// isFlagSet 检查命令行参数是否被显式设置
func isFlagSet(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func printNodeInfo(node *overlay.Node) {
	fmt.Println("════════════════════════════════════════════════════════════")
	for _, p := range node.Peers() {
		role := "slave "
		if p.IsMaster() {
			role = "master"
		}
		fmt.Printf("  %s  %s\n", role, p.Address())
	}
	fmt.Println("════════════════════════════════════════════════════════════")
}

func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("指标服务退出", "addr", addr, "error", err)
		}
	}()
	logger.Info("指标服务已启动", "addr", addr)
	return srv
}

// pingLoop 周期 ping target，直到 ctx 结束
func pingLoop(ctx context.Context, node *overlay.Node, target types.PeerAddress) {
	ticker := time.NewTicker(*pingInterval)
	defer ticker.Stop()
	for {
		start := time.Now()
		pctx, cancel := context.WithTimeout(ctx, *pingInterval)
		resp, err := node.Master().Ping(pctx, target, *pingUDP)
		cancel()
		if err != nil {
			logger.Warn("ping 失败", "target", target.String(), "error", err)
		} else {
			logger.Info("ping 成功", "target", resp.Sender.String(), "rtt", time.Since(start))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
