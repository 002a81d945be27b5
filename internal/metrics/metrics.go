// ============================================================================
// Fleet Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集負載平衡、frame 掃描與工作單元的指標，透過 /metrics 暴露
//
// 指標分類:
//
//   1. 分派 (Counter / Histogram)：
//      - fleet_dispatch_attempts_total{group,node,outcome}: 每次送出嘗試
//      - fleet_dispatch_exhausted_total{group}: 預算耗盡仍無節點回應
//      - fleet_dispatch_attempt_seconds{group}: 單次嘗試耗時分佈
//
//   2. 節點狀態 (Gauge)：
//      - fleet_node_status{group,node}: 0=UNKNOWN 1=INITIALIZING 2=UP 3=DOWN 4=FAIL
//
//   3. Frame 掃描 (Counter)：
//      - fleet_frame_false_positives_total{source}: 被 checksum/parse 拒絕的 header
//
//   4. 工作單元 (Gauge / Counter)：
//      - fleet_units{job,status}: 各狀態 unit 數量
//      - fleet_units_demoted_total{job}: 載入時由 PROCESSING 降為 STOPPED 的數量
//
// Prometheus 查詢示例:
//
//   # 每個群組的分派失敗率
//   sum by (group) (rate(fleet_dispatch_attempts_total{outcome="failure"}[5m]))
//     / sum by (group) (rate(fleet_dispatch_attempts_total[5m]))
//
//   # 已放棄的節點
//   fleet_node_status == 4
//
// 註冊:
//   Collector 註冊到呼叫者提供的 Registerer，不使用全域 registry，
//   測試之間互不干擾。
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/fleet-recovery/pkg/types"
)

const namespace = "fleet"

// Collector Prometheus 指標收集器
type Collector struct {
	// 分派相關指標
	dispatchAttempts  *prometheus.CounterVec
	dispatchExhausted *prometheus.CounterVec
	attemptLatency    *prometheus.HistogramVec

	// 狀態指標
	nodeStatus *prometheus.GaugeVec
	units      *prometheus.GaugeVec

	// 恢復與掃描
	unitsDemoted   *prometheus.CounterVec
	falsePositives *prometheus.CounterVec
}

// NewCollector 創建指標收集器並註冊到 reg
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		dispatchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_attempts_total",
			Help:      "Send attempts against group nodes by outcome",
		}, []string{"group", "node", "outcome"}),
		dispatchExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_exhausted_total",
			Help:      "Dispatches that ran out of budget without a response",
		}, []string{"group"}),
		attemptLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_attempt_seconds",
			Help:      "Duration of single send attempts in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"group"}),
		nodeStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_status",
			Help:      "Node health: 0=UNKNOWN 1=INITIALIZING 2=UP 3=DOWN 4=FAIL",
		}, []string{"group", "node"}),
		units: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "units",
			Help:      "Units of work by status",
		}, []string{"job", "status"}),
		unitsDemoted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_demoted_total",
			Help:      "Units found PROCESSING on load and marked STOPPED",
		}, []string{"job"}),
		falsePositives: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_false_positives_total",
			Help:      "Frame header matches rejected by checksum or payload parse",
		}, []string{"source"}),
	}

	reg.MustRegister(
		c.dispatchAttempts,
		c.dispatchExhausted,
		c.attemptLatency,
		c.nodeStatus,
		c.units,
		c.unitsDemoted,
		c.falsePositives,
	)
	return c
}

// ObserveAttempt 記錄一次送出嘗試
func (c *Collector) ObserveAttempt(group, node string, ok bool, elapsed time.Duration) {
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	c.dispatchAttempts.WithLabelValues(group, node, outcome).Inc()
	c.attemptLatency.WithLabelValues(group).Observe(elapsed.Seconds())
}

// ObserveNodeStatus 記錄節點狀態變化
func (c *Collector) ObserveNodeStatus(group, node string, status types.NodeStatus) {
	c.nodeStatus.WithLabelValues(group, node).Set(float64(status))
}

// ObserveExhausted 記錄預算耗盡
func (c *Collector) ObserveExhausted(group string) {
	c.dispatchExhausted.WithLabelValues(group).Inc()
}

// ObserveUnits 更新 job 各狀態 unit 數量
func (c *Collector) ObserveUnits(job string, counts map[types.WorkStatus]int) {
	for _, s := range types.AllWorkStatuses {
		c.units.WithLabelValues(job, s.String()).Set(float64(counts[s]))
	}
}

// ObserveDemoted 記錄載入時被降級的 unit
func (c *Collector) ObserveDemoted(job string, n int) {
	if n > 0 {
		c.unitsDemoted.WithLabelValues(job).Add(float64(n))
	}
}

// AddFalsePositives 一次加上掃描結束後統計的數量
func (c *Collector) AddFalsePositives(source string, n int64) {
	if n > 0 {
		c.falsePositives.WithLabelValues(source).Add(float64(n))
	}
}

// Server 以 HTTP 暴露 /metrics
type Server struct {
	srv *http.Server
	log *slog.Logger
}

// NewServer 建立 metrics HTTP 伺服器
//
// 參數：
//   - addr: 監聽位址，例如 ":9090"
//   - g: 指標來源，通常就是傳給 NewCollector 的 registry
func NewServer(addr string, g prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return &Server{
		srv: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		log: slog.Default().With("component", "metrics"),
	}
}

// Run 阻塞直到 ctx 取消，之後優雅關閉
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("metrics listening", "addr", s.srv.Addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}
