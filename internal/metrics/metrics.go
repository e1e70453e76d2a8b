package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	FetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chatsync_fetch_total", Help: "窗口拉取次数"},
		[]string{"direction", "outcome"}, // outcome: ok, error, canceled, superseded
	)
	RealtimeEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chatsync_realtime_events_total", Help: "实时事件入站数"},
		[]string{"type"},
	)
	RealtimeDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "chatsync_realtime_dropped_total", Help: "被丢弃的畸形/未知实时事件数"},
	)
	MarkReadIssuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "chatsync_markread_issued_total", Help: "实际发出的已读上报请求数"},
	)
	MarkReadCoalescedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "chatsync_markread_coalesced_total", Help: "被合并/丢弃的已读意图数"},
	)
	FetchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "chatsync_fetch_latency_ms", Help: "窗口拉取耗时(毫秒)", Buckets: prometheus.LinearBuckets(5, 10, 20)},
	)
)

func Init() {
	prometheus.MustRegister(FetchTotal)
	prometheus.MustRegister(RealtimeEventsTotal)
	prometheus.MustRegister(RealtimeDroppedTotal)
	prometheus.MustRegister(MarkReadIssuedTotal)
	prometheus.MustRegister(MarkReadCoalescedTotal)
	prometheus.MustRegister(FetchLatency)
}
