package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var (
	restRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_client_rest_requests_total",
			Help: "Total number of REST calls issued to the chat backend.",
		},
		[]string{"method", "route", "outcome"},
	)
	restRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_client_rest_request_duration_seconds",
			Help:    "REST call latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	channelActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_client_channel_active",
			Help: "Number of open live channel connections.",
		},
	)
	channelEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_client_channel_events_total",
			Help: "Total number of live channel frames by direction and type.",
		},
		[]string{"direction", "event"},
	)
	deliveryOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_client_delivery_outcomes_total",
			Help: "Outgoing message outcomes by final delivery state.",
		},
		[]string{"state"},
	)
	translationLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_client_translation_lookups_total",
			Help: "Translation cache lookups by result.",
		},
		[]string{"result"},
	)
	transferBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_client_transfer_bytes_total",
			Help: "Attachment bytes moved by direction.",
		},
		[]string{"direction"},
	)
	serverRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_devserver_http_requests_total",
			Help: "Total number of HTTP requests processed by the development backend.",
		},
		[]string{"method", "route", "status"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_client_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		restRequestsTotal,
		restRequestDuration,
		channelActive,
		channelEventsTotal,
		deliveryOutcomesTotal,
		translationLookupsTotal,
		transferBytesTotal,
		serverRequestsTotal,
		amqpPublishErrorsTotal,
	)
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HTTPMetricsMiddleware counts requests served by the development backend.
func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		serverRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

func ObserveREST(method, route, outcome string, elapsed time.Duration) {
	restRequestsTotal.WithLabelValues(method, route, outcome).Inc()
	restRequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func IncChannelActive() {
	channelActive.Inc()
}

func DecChannelActive() {
	channelActive.Dec()
}

func IncChannelEvent(direction, event string) {
	channelEventsTotal.WithLabelValues(direction, event).Inc()
}

func IncDelivery(state string) {
	deliveryOutcomesTotal.WithLabelValues(state).Inc()
}

func IncTranslation(result string) {
	translationLookupsTotal.WithLabelValues(result).Inc()
}

func AddTransferBytes(direction string, n int64) {
	if n > 0 {
		transferBytesTotal.WithLabelValues(direction).Add(float64(n))
	}
}

// TransferBytes is the attachment byte count recorded so far for direction.
func TransferBytes(direction string) float64 {
	return testutil.ToFloat64(transferBytesTotal.WithLabelValues(direction))
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}
