// ============================================================================
// Fleet 節點控制器 - 單一節點的組裝與生命週期
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 依配置組裝節點的所有組件，啟動服務並在 ctx 取消時優雅關閉
//
// 組件:
//   - GrpcSender: 節點對節點的送出原語，依 peers 撥號並快取連線
//   - LoadBalancer: 每個 group 一個，共用同一個 GrpcSender
//   - Manager: 任務表，Deps.Groups 指向上面的 balancer
//   - transport.Server: 接收其他節點的指令封包，交給 Manager.Deliver
//   - metrics.Server: 選用，暴露 /metrics
//
// 啟動流程:
//   1. NewNode() 驗證配置、建立 balancer 與任務
//      - 建立任務前先掃描每個事件日誌，把被拒絕的 frame header 記入 metrics
//   2. Run() 開始服務並啟動所有任務
//
// 關閉流程（ctx 取消）:
//   1. 中斷所有任務，處理中的 unit 標記為 STOPPED 並寫回 batch
//   2. GracefulStop gRPC 伺服器
//   3. 關閉所有對外連線
//
// 崩潰恢復:
//   不需要特別步驟。batch 載入時 PROCESSING 的 unit 會降為 STOPPED，
//   之後由 BOUNCE 指令收回重跑。
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/fleet-recovery/internal/balancer"
	"github.com/ChuLiYu/fleet-recovery/internal/jobmanager"
	"github.com/ChuLiYu/fleet-recovery/internal/metrics"
	"github.com/ChuLiYu/fleet-recovery/internal/storage/wal"
	"github.com/ChuLiYu/fleet-recovery/internal/transport"
)

const shutdownTimeout = 10 * time.Second

// ============================================================================
// 資料結構定義
// ============================================================================

// Option 調整 Node 的建立方式
type Option func(*options)

type options struct {
	dialOpts []grpc.DialOption
	listener net.Listener
	logger   *slog.Logger
	kinds    map[string]jobmanager.Constructor
}

// WithDialOptions 附加對外撥號的 gRPC 選項
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *options) { o.dialOpts = append(o.dialOpts, opts...) }
}

// WithListener 以現成的 listener 取代 node.listen
func WithListener(lis net.Listener) Option {
	return func(o *options) { o.listener = lis }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithKind 在建立配置中的任務之前註冊額外的任務種類
func WithKind(kind string, c jobmanager.Constructor) Option {
	return func(o *options) {
		if o.kinds == nil {
			o.kinds = make(map[string]jobmanager.Constructor)
		}
		o.kinds[kind] = c
	}
}

// Node 單一節點
type Node struct {
	cfg  Config
	opts options
	log  *slog.Logger

	sender    *transport.GrpcSender
	groups    map[string]*balancer.LoadBalancer
	manager   *jobmanager.Manager
	server    *transport.Server
	registry  *prometheus.Registry
	collector *metrics.Collector
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewNode 依配置建立節點，尚未開始服務
//
// 參數：
//   - cfg: 節點配置，會先經過 Validate
//   - opts: 撥號選項、listener、logger、額外任務種類
//
// 返回值：
//   - *Node: 節點實例
//   - error: 配置錯誤、balancer 或任務建立失敗
func NewNode(cfg Config, opts ...Option) (*Node, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	n := &Node{
		cfg:      cfg,
		opts:     o,
		log:      o.logger.With("component", "controller", "node", cfg.Node.Name),
		groups:   make(map[string]*balancer.LoadBalancer),
		registry: prometheus.NewRegistry(),
	}
	n.collector = metrics.NewCollector(n.registry)
	n.sender = transport.NewGrpcSender(cfg.PeerAddrs(), o.dialOpts...)

	if err := n.buildGroups(); err != nil {
		_ = n.sender.Close()
		return nil, err
	}

	n.manager = jobmanager.NewManager(jobmanager.Deps{
		Groups: lo.MapValues(n.groups, func(lb *balancer.LoadBalancer, _ string) jobmanager.Dispatcher {
			return lb
		}),
		Observer:        n.collector,
		Logger:          o.logger,
		MaxMessageBytes: cfg.Framing.MaxMessageBytes,
	})
	for kind, ctor := range o.kinds {
		if err := n.manager.Register(kind, ctor); err != nil {
			_ = n.sender.Close()
			return nil, err
		}
	}

	if err := n.buildJobs(); err != nil {
		_ = n.manager.Shutdown(context.Background())
		_ = n.sender.Close()
		return nil, err
	}

	n.server = transport.NewServer(n.manager)
	return n, nil
}

func (n *Node) buildGroups() error {
	for _, name := range n.cfg.GroupNames() {
		gc, _ := n.cfg.GroupConfig(name)
		lb, err := balancer.New(gc, n.sender,
			balancer.WithObserver(n.collector),
			balancer.WithLogger(n.opts.logger.With("component", "balancer", "group", name)),
		)
		if err != nil {
			return fmt.Errorf("controller: group %s: %w", name, err)
		}
		n.groups[name] = lb
		n.log.Info("group ready", "group", name, "nodes", gc.Nodes)
	}
	return nil
}

func (n *Node) buildJobs() error {
	for _, spec := range n.cfg.Jobs {
		if spec.Log != "" {
			n.scanLog(spec)
		}
		if _, err := n.manager.Create(spec); err != nil {
			return err
		}
	}
	return nil
}

// scanLog 在任務打開事件日誌前掃描一次，記錄上次執行留下的損壞區段
func (n *Node) scanLog(spec jobmanager.Spec) {
	counts, stats, err := wal.CountEvents(spec.Log, n.cfg.Framing.MaxMessageBytes)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		n.log.Warn("event log scan failed", "job", spec.ID, "path", spec.Log, "error", err)
		return
	}
	n.collector.AddFalsePositives("log:"+spec.ID, stats.FalsePositives)
	if stats.Events > 0 {
		n.log.Info("event log found", "job", spec.ID, "events", stats.Events,
			"last_seq", stats.LastSeq, "stopped", counts[wal.EventStop])
	}
	if stats.SkippedBytes > 0 {
		n.log.Warn("event log has corrupt spans", "job", spec.ID,
			"skipped_bytes", stats.SkippedBytes, "false_positives", stats.FalsePositives)
	}
}

// Run 開始服務直到 ctx 取消；正常關閉時返回 nil
func (n *Node) Run(ctx context.Context) error {
	lis := n.opts.listener
	if lis == nil {
		var err error
		lis, err = net.Listen("tcp", n.cfg.Node.Listen)
		if err != nil {
			return fmt.Errorf("controller: listen %s: %w", n.cfg.Node.Listen, err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		n.log.Info("serving", "addr", lis.Addr().String())
		return n.server.Serve(lis)
	})
	if n.cfg.Metrics.Enabled {
		srv := metrics.NewServer(fmt.Sprintf(":%d", n.cfg.Metrics.Port), n.registry)
		g.Go(func() error { return srv.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return n.shutdown()
	})

	if err := n.manager.StartAll(gctx); err != nil {
		n.log.Error("starting jobs failed", "error", err)
		cancel()
		return errors.Join(err, g.Wait())
	}
	n.log.Info("node started", "jobs", len(n.manager.Jobs()), "groups", len(n.groups))
	return g.Wait()
}

func (n *Node) shutdown() error {
	n.log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := n.manager.Shutdown(ctx)
	n.server.Stop()
	err = errors.Join(err, n.sender.Close())
	if err != nil {
		n.log.Error("shutdown finished with errors", "error", err)
		return err
	}
	n.log.Info("node stopped")
	return nil
}

// ============================================================================
// 查詢方法
// ============================================================================

func (n *Node) Name() string                   { return n.cfg.Node.Name }
func (n *Node) Manager() *jobmanager.Manager   { return n.manager }
func (n *Node) Registry() *prometheus.Registry { return n.registry }
func (n *Node) Sender() *transport.GrpcSender  { return n.sender }

// Balancer 依名稱取得群組的 balancer
func (n *Node) Balancer(group string) (*balancer.LoadBalancer, bool) {
	lb, ok := n.groups[group]
	return lb, ok
}
