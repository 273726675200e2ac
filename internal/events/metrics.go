package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var sinkDropped = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "djidji_event_sink_dropped_total",
		Help: "外部投递队列已满时丢弃的事件数量",
	},
	[]string{"type"},
)
