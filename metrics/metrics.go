package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	rpcDuration *prometheus.HistogramVec
	rpcErrors   *prometheus.CounterVec
	retries     *prometheus.CounterVec

	redisCmdDuration *prometheus.HistogramVec
	redisCmdErrors   *prometheus.CounterVec

	cacheLookups     *prometheus.CounterVec
	syncDuration     *prometheus.HistogramVec
	syncErrors       *prometheus.CounterVec
	projected        prometheus.Counter
	decryptFallbacks prometheus.Counter
	sends            *prometheus.CounterVec
	confirmations    *prometheus.CounterVec
	feedClients      prometheus.Gauge
)

// Init registers every collector on a fresh registry under namespace. Calling
// it again replaces the previous set.
func Init(namespace string) {
	registry = prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	// HTTP
	httpRequests = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)
	httpDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	// RPC
	rpcDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_call_duration_seconds",
			Help:      "Chain RPC call duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)
	rpcErrors = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_call_errors_total",
			Help:      "Chain RPC call errors",
		},
		[]string{"op"},
	)
	retries = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_retries_total",
			Help:      "Retried chain operations",
		},
		[]string{"label"},
	)

	// Redis
	redisCmdDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "redis_command_duration_seconds",
			Help:      "Redis command duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"cmd"},
	)
	redisCmdErrors = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redis_command_errors_total",
			Help:      "Redis command errors",
		},
		[]string{"cmd"},
	)

	// Sync engine
	cacheLookups = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_cache_lookups_total",
			Help:      "Conversation cache lookups by result",
		},
		[]string{"result"},
	)
	syncDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Conversation sync duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
	syncErrors = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_errors_total",
			Help:      "Conversation sync errors",
		},
		[]string{"kind"},
	)
	projected = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_projected_total",
		Help:      "Messages projected from chain logs",
	})
	decryptFallbacks = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decrypt_fallbacks_total",
		Help:      "Messages shown as ciphertext because decryption failed",
	})
	sends = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Message sends by conversation kind and outcome",
		},
		[]string{"group", "ok"},
	)
	confirmations = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_confirmations_total",
			Help:      "Background send confirmations by result",
		},
		[]string{"result"},
	)
	feedClients = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "feed_clients",
		Help:      "Connected websocket feed clients",
	})
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	if registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	return rw.ResponseWriter.Write(b)
}

// InstrumentHandler counts and times requests served by next.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w}
		next.ServeHTTP(rw, r)
		if httpRequests == nil {
			return
		}
		httpRequests.WithLabelValues(r.URL.Path, r.Method, strconv.Itoa(rw.status)).Inc()
		httpDuration.WithLabelValues(r.URL.Path, r.Method).Observe(time.Since(start).Seconds())
	})
}

func ObserveRPC(op string, start time.Time, err error) {
	if rpcDuration != nil {
		rpcDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
	if err != nil && rpcErrors != nil {
		rpcErrors.WithLabelValues(op).Inc()
	}
}

func IncRetry(label string) {
	if retries != nil {
		retries.WithLabelValues(label).Inc()
	}
}

func ObserveRedis(cmd string, start time.Time, err error) {
	if redisCmdDuration != nil {
		redisCmdDuration.WithLabelValues(cmd).Observe(time.Since(start).Seconds())
	}
	if err != nil && redisCmdErrors != nil {
		redisCmdErrors.WithLabelValues(cmd).Inc()
	}
}

func CacheLookup(hit bool) {
	if cacheLookups == nil {
		return
	}
	if hit {
		cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	cacheLookups.WithLabelValues("miss").Inc()
}

func ObserveSync(kind string, start time.Time, err error) {
	if syncDuration != nil {
		syncDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}
	if err != nil && syncErrors != nil {
		syncErrors.WithLabelValues(kind).Inc()
	}
}

func AddProjected(n int) {
	if projected != nil && n > 0 {
		projected.Add(float64(n))
	}
}

func IncDecryptFallback() {
	if decryptFallbacks != nil {
		decryptFallbacks.Inc()
	}
}

func IncSend(group bool, err error) {
	if sends != nil {
		sends.WithLabelValues(strconv.FormatBool(group), strconv.FormatBool(err == nil)).Inc()
	}
}

func IncConfirmation(result string) {
	if confirmations != nil {
		confirmations.WithLabelValues(result).Inc()
	}
}

func SetFeedClients(n int) {
	if feedClients != nil {
		feedClients.Set(float64(n))
	}
}
