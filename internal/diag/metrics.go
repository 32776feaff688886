package diag

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 指标（进程内注册表；metrics_file 设置时由 WriteMetrics 导出为文本格式）：
// - op_total{comp,stage,result}
// - error_total{comp,code}
// - op_duration_ms{comp,stage}
// - retry_total{dialect}
// - chunks_committed_total
var (
	Registry = prometheus.NewRegistry()

	opTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "op_total",
		Help: "Operations by component, stage and result.",
	}, []string{"comp", "stage", "result"})

	errorTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "error_total",
		Help: "Errors by component and classified code.",
	}, []string{"comp", "code"})

	opDuration = promauto.With(Registry).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "op_duration_ms",
		Help:    "Stage duration in milliseconds.",
		Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000},
	}, []string{"comp", "stage"})

	retryTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "retry_total",
		Help: "Request retries by backend dialect.",
	}, []string{"dialect"})

	chunksCommitted = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "chunks_committed_total",
		Help: "Chunks durably written to the target.",
	})
)

// IncOp 累加操作计数（result=success|error）。
func IncOp(comp, stage, result string) { opTotal.WithLabelValues(comp, stage, result).Inc() }

// IncError 按分类累加错误计数。
func IncError(comp, code string) { errorTotal.WithLabelValues(comp, code).Inc() }

// ObserveDuration 记录阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	opDuration.WithLabelValues(comp, stage).Observe(float64(durMS))
}

// IncRetry 累加某方言的重试次数。
func IncRetry(dialect string) { retryTotal.WithLabelValues(dialect).Inc() }

// AddCommitted 累加已落盘块数。
func AddCommitted(n int) { chunksCommitted.Add(float64(n)) }

// WriteMetrics 将当前指标以文本格式原子写入 path。
func WriteMetrics(path string) error {
	return prometheus.WriteToTextfile(path, Registry)
}
