package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// uploadsOpened 记录 open 调用次数，区分新建与续传
	uploadsOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "landrop",
			Name:      "uploads_opened_total",
			Help:      "Total number of upload registrations",
		},
		[]string{"resumed"},
	)

	// chunksReceived 记录成功落库的分片数
	chunksReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "landrop",
		Name:      "upload_chunks_received_total",
		Help:      "Total number of chunks ingested",
	})

	// chunkBytesReceived 记录成功落库的分片字节数
	chunkBytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "landrop",
		Name:      "upload_chunk_bytes_received_total",
		Help:      "Total number of chunk bytes ingested",
	})

	// finalizeOutcomes 按结果记录定稿尝试
	finalizeOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "landrop",
			Name:      "upload_finalize_total",
			Help:      "Total number of finalize attempts by outcome",
		},
		[]string{"outcome"},
	)

	// assemblyDuration 记录装配耗时分布
	assemblyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "landrop",
		Name:      "upload_assembly_duration_seconds",
		Help:      "Artifact assembly duration in seconds",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
	})
)
