package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pestwatch_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"route", "status"},
	)

	InferenceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pestwatch_inference_duration_seconds",
			Help:    "Model inference duration in seconds, including image decode and annotation",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	DetectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pestwatch_detections_total",
			Help: "Total objects detected, by whether the label matched a known pest",
		},
		[]string{"matched"},
	)

	DetectionConfidence = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pestwatch_detection_confidence",
			Help:    "Confidence of individual detections",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	RecordsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pestwatch_detection_records_created_total",
			Help: "Total detection records persisted",
		},
	)

	ChatRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pestwatch_chat_requests_total",
			Help: "Total chat requests",
		},
		[]string{"mode", "status"},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pestwatch_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	ConversationStoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pestwatch_conversation_store_errors_total",
			Help: "Conversation store operations that failed",
		},
		[]string{"op"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pestwatch_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pestwatch_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	PestsIndexed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pestwatch_pests_indexed",
			Help: "Number of pests in the semantic search index",
		},
	)

	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pestwatch_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
	)
)

var initOnce sync.Once

// Init registers all collectors with the default registry. Safe to call
// more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(HTTPRequestDuration)
		prometheus.MustRegister(InferenceDuration)
		prometheus.MustRegister(DetectionsTotal)
		prometheus.MustRegister(DetectionConfidence)
		prometheus.MustRegister(RecordsCreated)
		prometheus.MustRegister(ChatRequests)
		prometheus.MustRegister(LLMTokensUsed)
		prometheus.MustRegister(ConversationStoreErrors)
		prometheus.MustRegister(CacheHits)
		prometheus.MustRegister(CacheMisses)
		prometheus.MustRegister(PestsIndexed)
		prometheus.MustRegister(RateLimited)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}

// Middleware observes request latency per matched route template.
func Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}

		HTTPRequestDuration.
			WithLabelValues(c.Route().Path, strconv.Itoa(status)).
			Observe(time.Since(start).Seconds())
		return err
	}
}
