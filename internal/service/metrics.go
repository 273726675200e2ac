package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 上传编排器的 Prometheus 指标。
var (
	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "djidji_uploads_total",
			Help: "按终态统计的上传会话数量",
		},
		[]string{"status"},
	)

	uploadedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "djidji_uploaded_bytes_total",
		Help: "已确认上传的字节总数",
	})

	uploadsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "djidji_uploads_in_flight",
		Help: "正在执行协议步骤的上传数量",
	})

	uploadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "djidji_upload_duration_seconds",
			Help:    "从创建会话到进入终态的耗时",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"status"},
	)

	statusCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "djidji_status_cache_hits_total",
		Help: "远程上传状态缓存命中次数",
	})

	statusCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "djidji_status_cache_misses_total",
		Help: "远程上传状态缓存未命中次数",
	})
)
