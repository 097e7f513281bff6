package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesAppended = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_appended_total",
		Help: "Messages appended to the ledger.",
	})

	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_connections",
		Help: "Currently registered websocket connections.",
	})

	ReadMarks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_read_marks_total",
		Help: "Read marks applied, per reader.",
	})

	PushSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_push_sent_total",
		Help: "Push notifications accepted by the provider, per token.",
	})

	PushFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_push_failed_total",
		Help: "Push notifications rejected or not delivered, per token.",
	})

	PushTokensPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_push_tokens_pruned_total",
		Help: "Device tokens removed after the provider reported them invalid.",
	})

	PushDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_push_dropped_total",
		Help: "Push jobs dropped because the dispatch queue was full.",
	})

	NotificationsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_notifications_created_total",
		Help: "Inbox notifications stored, per recipient.",
	})
)

func init() {
	prometheus.MustRegister(
		MessagesAppended,
		Connections,
		ReadMarks,
		PushSent,
		PushFailed,
		PushTokensPruned,
		PushDropped,
		NotificationsCreated,
	)
}

// Handler exposes the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
